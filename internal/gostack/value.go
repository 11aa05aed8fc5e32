package gostack

import (
	"fmt"
	"math"
)

// Value is an 8-byte tagged interop value as the guest stores it in memory.
//
// The encoding is NaN boxing: all-zero bits are undefined, any other
// non-NaN float64 is a number, and a NaN carries a reference whose low 32
// bits are an id into the host's object pool. The high word of a reference
// is nanHead with a type flag in its low three bits.
type Value uint64

const nanHead = 0x7FF80000

// Type flags of references.
const (
	TypeFlagNone     = 0
	TypeFlagObject   = 1
	TypeFlagString   = 2
	TypeFlagSymbol   = 3
	TypeFlagFunction = 4
)

// Ids the guest runtime expects to be preallocated in the object pool.
const (
	RefNaN uint32 = iota
	RefZero
	RefNull
	RefTrue
	RefFalse
	RefGlobal
	RefGo
)

const Undefined Value = 0

// MakeRef builds a reference to pool id with the given type flag.
func MakeRef(id uint32, typeFlag uint32) Value {
	return Value(uint64(nanHead|typeFlag&7)<<32 | uint64(id))
}

// Number encodes f. Zero and NaN have dedicated references so that they are
// not confused with undefined and with references.
func Number(f float64) Value {
	switch {
	case f == 0:
		return MakeRef(RefZero, TypeFlagNone)
	case math.IsNaN(f):
		return MakeRef(RefNaN, TypeFlagNone)
	}
	return Value(math.Float64bits(f))
}

func (v Value) IsUndefined() bool {
	return v == Undefined
}

// IsRef reports whether v refers to a pooled object.
func (v Value) IsRef() bool {
	return v != Undefined && math.IsNaN(math.Float64frombits(uint64(v)))
}

// Ref returns the pool id of a reference.
func (v Value) Ref() uint32 {
	return uint32(v)
}

// TypeFlag returns the type flag of a reference.
func (v Value) TypeFlag() uint32 {
	return uint32(v>>32) & 7
}

// Float returns the number v encodes. It is only meaningful when v is neither
// undefined nor a reference.
func (v Value) Float() float64 {
	return math.Float64frombits(uint64(v))
}

func (v Value) String() string {
	switch {
	case v.IsUndefined():
		return "undefined"
	case v.IsRef():
		return fmt.Sprintf("ref(%d/%d)", v.Ref(), v.TypeFlag())
	default:
		return fmt.Sprint(v.Float())
	}
}
