package simenv

import (
	"context"
	"encoding/binary"
	"hash"
	"hash/fnv"
	"log/slog"
)

type ChecksumKey byte

const (
	ChecksumKeyClock ChecksumKey = iota
	ChecksumKeyRandom
	ChecksumKeySchedule
	ChecksumKeyClear
	ChecksumKeyWrite
	ChecksumKeyFire
	ChecksumKeyExit
)

var checksumKeyNames = [...]string{
	ChecksumKeyClock:    "clock",
	ChecksumKeyRandom:   "random",
	ChecksumKeySchedule: "schedule",
	ChecksumKeyClear:    "clear",
	ChecksumKeyWrite:    "write",
	ChecksumKeyFire:     "fire",
	ChecksumKeyExit:     "exit",
}

func (k ChecksumKey) String() string {
	if int(k) < len(checksumKeyNames) {
		return checksumKeyNames[k]
	}
	return "unknown"
}

// Checksummer folds every observable effect of a session into a running
// FNV-1 hash. Two sessions that saw the same effects in the same order have
// the same Sum; any divergence shows up as a different Sum.
type Checksummer struct {
	step   int
	hash   hash.Hash64
	logger *slog.Logger
}

func NewChecksummer(logger *slog.Logger) *Checksummer {
	return &Checksummer{
		hash:   fnv.New64(),
		logger: logger,
	}
}

func (c *Checksummer) RecordInts(key ChecksumKey, a, b uint64) {
	var buf [17]byte
	buf[0] = byte(key)
	binary.LittleEndian.PutUint64(buf[1:], a)
	binary.LittleEndian.PutUint64(buf[9:], b)
	c.hash.Write(buf[:])

	if c.logger.Enabled(context.TODO(), slog.LevelDebug) {
		c.logger.LogAttrs(context.TODO(), slog.LevelDebug, "checksummer",
			slog.Int("step", c.step),
			slog.String("key", key.String()),
			slog.Uint64("a", a),
			slog.Uint64("b", b),
			slog.Uint64("sum", c.hash.Sum64()))
	}
	c.step++
}

func (c *Checksummer) RecordBytes(key ChecksumKey, p []byte) {
	var buf [9]byte
	buf[0] = byte(key)
	binary.LittleEndian.PutUint64(buf[1:], uint64(len(p)))
	c.hash.Write(buf[:])
	c.hash.Write(p)

	if c.logger.Enabled(context.TODO(), slog.LevelDebug) {
		c.logger.LogAttrs(context.TODO(), slog.LevelDebug, "checksummer",
			slog.Int("step", c.step),
			slog.String("key", key.String()),
			slog.String("a", string(p)),
			slog.Uint64("sum", c.hash.Sum64()))
	}
	c.step++
}

func (c *Checksummer) Sum() uint64 {
	return c.hash.Sum64()
}

// Steps returns the number of recorded effects.
func (c *Checksummer) Steps() int {
	return c.step
}
