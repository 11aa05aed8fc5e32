package simenv

import (
	"encoding/binary"
	"math/bits"
)

const pcgMultiplier = 6364136223846793005

// Seed selects the state and stream of a Pcg32.
type Seed struct {
	State  uint64
	Stream uint64
}

// DefaultSeed is the seed every session starts from unless configured
// otherwise.
var DefaultSeed = Seed{
	State:  0xcafef00dd15ea5e5,
	Stream: 0xa02bdbf7bb3c0a7,
}

// Pcg32 is the PCG XSH-RR 64/32 generator. Its output is fully determined by
// the seed; two generators with the same seed agree forever.
type Pcg32 struct {
	state uint64
	inc   uint64
}

func NewPcg32(seed Seed) *Pcg32 {
	p := &Pcg32{inc: seed.Stream<<1 | 1}
	p.state = seed.State + p.inc
	p.step()
	return p
}

func (p *Pcg32) step() {
	p.state = p.state*pcgMultiplier + p.inc
}

func (p *Pcg32) Uint32() uint32 {
	s := p.state
	p.step()
	rot := int(s >> 59)
	xsh := uint32(((s >> 18) ^ s) >> 27)
	return bits.RotateLeft32(xsh, -rot)
}

// Fill fills b with whole little-endian outputs. A trailing 1-3 bytes take
// the low-order bytes of one more output, lowest first.
func (p *Pcg32) Fill(b []byte) {
	for len(b) >= 4 {
		binary.LittleEndian.PutUint32(b, p.Uint32())
		b = b[4:]
	}
	if len(b) > 0 {
		rem := p.Uint32()
		for i := range b {
			b[i] = byte(rem)
			rem >>= 8
		}
	}
}
