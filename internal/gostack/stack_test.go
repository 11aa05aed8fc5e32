package gostack_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"pgregory.net/rapid"

	"github.com/jellevandenhooff/wasmsim/internal/gostack"
	"github.com/jellevandenhooff/wasmsim/internal/wasmtest"
)

const pageSize = 65536

func expectFault(t *testing.T, contains string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected a fault, got none")
		}
		err, ok := r.(error)
		if !ok {
			t.Fatalf("expected an error panic, got %v", r)
		}
		var fault *gostack.Fault
		if !errors.As(err, &fault) {
			t.Fatalf("expected *gostack.Fault, got %T: %v", err, err)
		}
		if !strings.Contains(fault.Error(), contains) {
			t.Errorf("expected fault containing %q, got %q", contains, fault.Error())
		}
	}()
	f()
}

func TestSlotAddresses(t *testing.T) {
	mem := wasmtest.Memory(t, 1)
	s := gostack.New(128, mem)

	s.WriteUint64(0, 0x1122334455667788)
	s.WriteUint32(1, 0xdeadbeef)
	s.WriteUint8(2, 0x7f)

	if got := s.ReadUint64At(136); got != 0x1122334455667788 {
		t.Errorf("slot 0: got %#x", got)
	}
	if got := s.ReadUint32At(144); got != 0xdeadbeef {
		t.Errorf("slot 1: got %#x", got)
	}
	if got := s.ReadUint8At(152); got != 0x7f {
		t.Errorf("slot 2: got %#x", got)
	}

	// little endian, narrow values in the low-order bytes
	if diff := cmp.Diff(s.ReadBytes(144, 8), []byte{0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0}); diff != "" {
		t.Error(diff)
	}
	// the word at sp is never touched by slot accessors
	if got := s.ReadUint64At(128); got != 0 {
		t.Errorf("frame word: got %#x", got)
	}
}

func TestSlotRoundTrip(t *testing.T) {
	mem := wasmtest.Memory(t, 1)

	rapid.Check(t, func(t *rapid.T) {
		sp := rapid.Uint32Range(0, pageSize-4*8).Draw(t, "sp")
		arg := rapid.Uint32Range(0, 2).Draw(t, "arg")
		s := gostack.New(sp, mem)

		switch rapid.IntRange(0, 2).Draw(t, "width") {
		case 0:
			v := rapid.Uint8().Draw(t, "v")
			s.WriteUint8(arg, v)
			if got := s.ReadUint8(arg); got != v {
				t.Fatalf("u8: wrote %#x, read %#x", v, got)
			}
		case 1:
			v := rapid.Uint32().Draw(t, "v")
			s.WriteUint32(arg, v)
			if got := s.ReadUint32(arg); got != v {
				t.Fatalf("u32: wrote %#x, read %#x", v, got)
			}
		case 2:
			v := rapid.Uint64().Draw(t, "v")
			s.WriteUint64(arg, v)
			if got := s.ReadUint64(arg); got != v {
				t.Fatalf("u64: wrote %#x, read %#x", v, got)
			}
		}
	})
}

func TestBytesRoundTrip(t *testing.T) {
	mem := wasmtest.Memory(t, 1)
	s := gostack.New(0, mem)

	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "b")
		addr := rapid.Uint64Range(0, uint64(pageSize-len(b))).Draw(t, "addr")

		s.WriteBytes(addr, b)
		got := s.ReadBytes(addr, uint64(len(b)))
		if diff := cmp.Diff(got, b, cmpopts.EquateEmpty()); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestReadBytesCopies(t *testing.T) {
	mem := wasmtest.Memory(t, 1)
	s := gostack.New(0, mem)

	s.WriteBytes(100, []byte("hello"))
	got := s.ReadBytes(100, 5)
	s.WriteBytes(100, []byte("world"))
	if string(got) != "hello" {
		t.Errorf("read bytes alias guest memory: got %q", got)
	}
}

func TestOutOfBounds(t *testing.T) {
	mem := wasmtest.Memory(t, 1)

	testcases := []struct {
		name     string
		contains string
		f        func()
	}{
		{"slot past end", "out of bounds", func() { gostack.New(pageSize-8, mem).ReadUint64(0) }},
		{"slot straddles end", "out of bounds", func() { gostack.New(pageSize-12, mem).WriteUint64(0, 1) }},
		{"u32 at end", "out of bounds", func() { gostack.New(0, mem).ReadUint32At(pageSize - 3) }},
		{"u8 at size", "out of bounds", func() { gostack.New(0, mem).WriteUint8At(pageSize, 1) }},
		{"sp near max", "not a u32", func() { gostack.New(0xffff_fff8, mem).ReadUint32(0) }},
		{"bytes past end", "out of bounds", func() { gostack.New(0, mem).ReadBytes(pageSize-4, 5) }},
		{"write bytes past end", "out of bounds", func() { gostack.New(0, mem).WriteBytes(pageSize-1, []byte{1, 2}) }},
		{"pointer not u32", "not a u32", func() { gostack.New(0, mem).ReadBytes(1<<32, 1) }},
		{"length not u32", "not a u32", func() { gostack.New(0, mem).ReadBytes(0, 1<<32) }},
		{"write pointer not u32", "not a u32", func() { gostack.New(0, mem).WriteBytes(1<<40, []byte{1}) }},
		{"values past end", "out of bounds", func() { gostack.New(0, mem).ReadValues(pageSize-8, 2) }},
		{"too many values", "", func() { gostack.New(0, mem).ReadValues(0, 1<<40) }},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			expectFault(t, tc.contains, tc.f)
		})
	}
}

func TestInBoundsEdges(t *testing.T) {
	mem := wasmtest.Memory(t, 1)
	s := gostack.New(pageSize-16, mem)

	// the last slot that fits
	s.WriteUint64(0, 42)
	if got := s.ReadUint64(0); got != 42 {
		t.Errorf("got %d", got)
	}
	if got := s.ReadBytes(pageSize, 0); len(got) != 0 {
		t.Errorf("empty read at end: got %v", got)
	}
}

func TestReadValues(t *testing.T) {
	mem := wasmtest.Memory(t, 1)
	s := gostack.New(0, mem)

	want := []gostack.Value{
		gostack.Undefined,
		gostack.Number(1.5),
		gostack.MakeRef(gostack.RefGlobal, gostack.TypeFlagObject),
		gostack.MakeRef(17, gostack.TypeFlagString),
	}
	for i, v := range want {
		s.WriteUint64At(uint32(512+8*i), uint64(v))
	}

	got := s.ReadValues(512, uint64(len(want)))
	if diff := cmp.Diff(got, want); diff != "" {
		t.Error(diff)
	}
	if got := s.ReadValues(512, 0); len(got) != 0 {
		t.Errorf("expected no values, got %v", got)
	}
}
