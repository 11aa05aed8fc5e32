// Package wasmtest assembles small WebAssembly guests for tests.
//
// The guests are just big enough to call host functions with a frame pointer
// and to export a linear memory; there is no validation beyond what wazero
// does when the binary is instantiated.
package wasmtest

import (
	"bytes"
	"context"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10

	externFunc   = 0x00
	externMemory = 0x02
)

type funcType struct {
	params, results []ValType
}

type importFunc struct {
	module, name string
	typ          uint32
}

type function struct {
	typ  uint32
	body []byte
}

type export struct {
	name  string
	kind  byte
	index uint32
}

// Module is a WebAssembly module under construction. Imports must be added
// before any function is defined so that function indexes stay stable.
type Module struct {
	types    []funcType
	imports  []importFunc
	funcs    []function
	memPages uint32
	exports  []export
}

func NewModule() *Module {
	return &Module{}
}

func (m *Module) typeIndex(params, results []ValType) uint32 {
	for i, t := range m.types {
		if bytes.Equal(valTypes(t.params), valTypes(params)) && bytes.Equal(valTypes(t.results), valTypes(results)) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// ImportFunc imports a function and returns its function index.
func (m *Module) ImportFunc(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must precede function definitions")
	}
	m.imports = append(m.imports, importFunc{module: module, name: name, typ: m.typeIndex(params, results)})
	return uint32(len(m.imports) - 1)
}

// Func defines an exported function without parameters, results or locals
// whose body is the concatenation of code.
func (m *Module) Func(name string, code ...[]byte) uint32 {
	index := uint32(len(m.imports) + len(m.funcs))
	m.funcs = append(m.funcs, function{typ: m.typeIndex(nil, nil), body: bytes.Join(code, nil)})
	m.exports = append(m.exports, export{name: name, kind: externFunc, index: index})
	return index
}

// Memory defines a memory of the given number of 64KiB pages and exports it
// under name.
func (m *Module) Memory(pages uint32, name string) *Module {
	m.memPages = pages
	m.exports = append(m.exports, export{name: name, kind: externMemory, index: 0})
	return m
}

// Bytes returns the binary encoding of the module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.types)))
		for _, t := range m.types {
			b = append(b, 0x60)
			b = appendUleb(b, uint64(len(t.params)))
			b = append(b, valTypes(t.params)...)
			b = appendUleb(b, uint64(len(t.results)))
			b = append(b, valTypes(t.results)...)
		}
		out = appendSection(out, sectionType, b)
	}

	if len(m.imports) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.imports)))
		for _, imp := range m.imports {
			b = appendName(b, imp.module)
			b = appendName(b, imp.name)
			b = append(b, externFunc)
			b = appendUleb(b, uint64(imp.typ))
		}
		out = appendSection(out, sectionImport, b)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.funcs)))
		for _, f := range m.funcs {
			b = appendUleb(b, uint64(f.typ))
		}
		out = appendSection(out, sectionFunction, b)
	}

	if m.memPages > 0 {
		b := []byte{0x01, 0x00}
		b = appendUleb(b, uint64(m.memPages))
		out = appendSection(out, sectionMemory, b)
	}

	if len(m.exports) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.exports)))
		for _, e := range m.exports {
			b = appendName(b, e.name)
			b = append(b, e.kind)
			b = appendUleb(b, uint64(e.index))
		}
		out = appendSection(out, sectionExport, b)
	}

	if len(m.funcs) > 0 {
		var b []byte
		b = appendUleb(b, uint64(len(m.funcs)))
		for _, f := range m.funcs {
			// no locals
			body := append([]byte{0x00}, f.body...)
			body = append(body, 0x0b)
			b = appendUleb(b, uint64(len(body)))
			b = append(b, body...)
		}
		out = appendSection(out, sectionCode, b)
	}

	return out
}

// Memory instantiates a module with only an exported memory of the given
// number of pages and returns that memory. The runtime is closed when the
// test finishes.
func Memory(t testing.TB, pages uint32) api.Memory {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	mod, err := r.Instantiate(ctx, NewModule().Memory(pages, "mem").Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return mod.ExportedMemory("mem")
}

func valTypes(ts []ValType) []byte {
	b := make([]byte, len(ts))
	for i, t := range ts {
		b[i] = byte(t)
	}
	return b
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = appendUleb(out, uint64(len(content)))
	return append(out, content...)
}

func appendName(b []byte, s string) []byte {
	b = appendUleb(b, uint64(len(s)))
	return append(b, s...)
}

func appendUleb(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func appendSleb(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
