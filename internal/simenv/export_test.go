package simenv

func SetNow(c *Clock, now uint64) {
	c.now.Store(now)
}
