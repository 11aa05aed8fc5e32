// Package gostack reads and writes host call frames of guests compiled for
// the Go js/wasm calling convention.
//
// A host function receives a single frame pointer sp. Its arguments and
// results live in 8-byte slots at sp+(arg+1)*8; the word at sp itself belongs
// to the caller. Narrow values occupy the low-order bytes of a slot and all
// values are little endian.
//
// Every access is checked against the current size of the guest memory.
// Accesses that do not fit panic with a *Fault: the guest and the host
// disagree about memory layout and the host call cannot continue. wazero
// recovers the panic and returns it, wrapped, from the guest call.
package gostack

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// Fault describes an access outside the guest's 32-bit memory.
type Fault struct {
	Op   string
	Addr uint64
	Len  uint64
	// Size is the size of the memory in bytes at the time of the access.
	Size uint32
}

func (f *Fault) Error() string {
	switch {
	case f.Addr > math.MaxUint32:
		return fmt.Sprintf("gostack: %s: pointer %#x not a u32", f.Op, f.Addr)
	case f.Len > math.MaxUint32:
		return fmt.Sprintf("gostack: %s: length %d not a u32", f.Op, f.Len)
	default:
		return fmt.Sprintf("gostack: %s: [%#x, %#x) out of bounds for memory of %d bytes",
			f.Op, f.Addr, f.Addr+f.Len, f.Size)
	}
}

// Stack is a view of one host call frame. It does not own the memory and is
// only valid for the duration of the call it was made for.
type Stack struct {
	sp  uint32
	mem api.Memory
}

func New(sp uint32, mem api.Memory) Stack {
	return Stack{sp: sp, mem: mem}
}

// SP returns the frame pointer the view was made for.
func (s Stack) SP() uint32 {
	return s.sp
}

func (s Stack) offset(arg uint32) uint64 {
	return uint64(s.sp) + (uint64(arg)+1)*8
}

// Check panics with a *Fault unless [ptr, ptr+n) lies in guest memory, and
// returns ptr as a guest address.
func (s Stack) Check(op string, ptr, n uint64) uint32 {
	size := s.mem.Size()
	if ptr > math.MaxUint32 || n > math.MaxUint32 || ptr+n > uint64(size) {
		panic(&Fault{Op: op, Addr: ptr, Len: n, Size: size})
	}
	return uint32(ptr)
}

func (s Stack) fault(op string, ptr, n uint64) *Fault {
	return &Fault{Op: op, Addr: ptr, Len: n, Size: s.mem.Size()}
}

func (s Stack) read8(ptr uint64) uint8 {
	v, ok := s.mem.ReadByte(s.Check("read u8", ptr, 1))
	if !ok {
		panic(s.fault("read u8", ptr, 1))
	}
	return v
}

func (s Stack) read32(ptr uint64) uint32 {
	v, ok := s.mem.ReadUint32Le(s.Check("read u32", ptr, 4))
	if !ok {
		panic(s.fault("read u32", ptr, 4))
	}
	return v
}

func (s Stack) read64(ptr uint64) uint64 {
	v, ok := s.mem.ReadUint64Le(s.Check("read u64", ptr, 8))
	if !ok {
		panic(s.fault("read u64", ptr, 8))
	}
	return v
}

func (s Stack) write8(ptr uint64, v uint8) {
	if !s.mem.WriteByte(s.Check("write u8", ptr, 1), v) {
		panic(s.fault("write u8", ptr, 1))
	}
}

func (s Stack) write32(ptr uint64, v uint32) {
	if !s.mem.WriteUint32Le(s.Check("write u32", ptr, 4), v) {
		panic(s.fault("write u32", ptr, 4))
	}
}

func (s Stack) write64(ptr uint64, v uint64) {
	if !s.mem.WriteUint64Le(s.Check("write u64", ptr, 8), v) {
		panic(s.fault("write u64", ptr, 8))
	}
}

func (s Stack) ReadUint8(arg uint32) uint8   { return s.read8(s.offset(arg)) }
func (s Stack) ReadUint32(arg uint32) uint32 { return s.read32(s.offset(arg)) }
func (s Stack) ReadUint64(arg uint32) uint64 { return s.read64(s.offset(arg)) }

func (s Stack) WriteUint8(arg uint32, v uint8)   { s.write8(s.offset(arg), v) }
func (s Stack) WriteUint32(arg uint32, v uint32) { s.write32(s.offset(arg), v) }
func (s Stack) WriteUint64(arg uint32, v uint64) { s.write64(s.offset(arg), v) }

func (s Stack) ReadUint8At(ptr uint32) uint8   { return s.read8(uint64(ptr)) }
func (s Stack) ReadUint32At(ptr uint32) uint32 { return s.read32(uint64(ptr)) }
func (s Stack) ReadUint64At(ptr uint32) uint64 { return s.read64(uint64(ptr)) }

func (s Stack) WriteUint8At(ptr uint32, v uint8)   { s.write8(uint64(ptr), v) }
func (s Stack) WriteUint32At(ptr uint32, v uint32) { s.write32(uint64(ptr), v) }
func (s Stack) WriteUint64At(ptr uint32, v uint64) { s.write64(uint64(ptr), v) }

// ReadBytes copies n bytes starting at ptr out of guest memory. Both ptr and
// n come from 64-bit slots and must fit in 32 bits.
func (s Stack) ReadBytes(ptr, n uint64) []byte {
	p := s.Check("read bytes", ptr, n)
	view, ok := s.mem.Read(p, uint32(n))
	if !ok {
		panic(s.fault("read bytes", ptr, n))
	}
	// view aliases guest memory
	return append([]byte(nil), view...)
}

// WriteBytes copies b into guest memory starting at ptr.
func (s Stack) WriteBytes(ptr uint64, b []byte) {
	p := s.Check("write bytes", ptr, uint64(len(b)))
	if !s.mem.Write(p, b) {
		panic(s.fault("write bytes", ptr, uint64(len(b))))
	}
}

// ReadValues decodes n consecutive tagged values starting at ptr.
func (s Stack) ReadValues(ptr, n uint64) []Value {
	if n > math.MaxUint32/8 {
		panic(&Fault{Op: "read values", Addr: ptr, Len: n, Size: s.mem.Size()})
	}
	raw := s.ReadBytes(ptr, n*8)
	values := make([]Value, n)
	for i := range values {
		values[i] = Value(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return values
}
