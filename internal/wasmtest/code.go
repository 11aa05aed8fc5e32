package wasmtest

// Instruction encoders. Each returns the bytes of a single instruction.

func I32Const(v int32) []byte {
	return appendSleb([]byte{0x41}, int64(v))
}

func I64Const(v int64) []byte {
	return appendSleb([]byte{0x42}, v)
}

func Call(index uint32) []byte {
	return appendUleb([]byte{0x10}, uint64(index))
}

// I32Store pops a value and an address and stores the value at address+offset.
func I32Store(offset uint32) []byte {
	return appendUleb([]byte{0x36, 0x02}, uint64(offset))
}

// I64Store pops a value and an address and stores the value at address+offset.
func I64Store(offset uint32) []byte {
	return appendUleb([]byte{0x37, 0x03}, uint64(offset))
}

func Unreachable() []byte {
	return []byte{0x00}
}

// StoreArg stores a 64-bit constant into argument slot arg of the frame at sp,
// following the host call convention of slot addresses sp+(arg+1)*8.
func StoreArg(sp uint32, arg uint32, v int64) []byte {
	b := I32Const(int32(sp + (arg+1)*8))
	b = append(b, I64Const(v)...)
	return append(b, I64Store(0)...)
}

// CallSP calls the host function at index with sp as its only argument.
func CallSP(index uint32, sp uint32) []byte {
	return append(I32Const(int32(sp)), Call(index)...)
}
