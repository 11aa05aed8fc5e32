// Package hostfuncs implements the runtime imports a Go js/wasm guest expects
// from its host, on top of a simenv.Env.
//
// Each handler takes the guest's frame pointer, reads its arguments from the
// frame and writes its results back. Time, randomness and timers come from
// the env only, so a guest sees the same values every run.
package hostfuncs

import (
	"errors"
	"fmt"

	"github.com/jellevandenhooff/wasmsim/internal/simenv"
)

// Func is a host function. A non-nil error ends the guest: *Exit for a
// regular exit, anything else for a fatal failure.
type Func func(env *simenv.Env, sp uint32) error

// Exit is returned by WasmExit. It is not a failure.
type Exit struct {
	Code uint32
}

func (e *Exit) Error() string {
	return fmt.Sprintf("guest exited with status code %d", e.Code)
}

// AsExit reports whether err is a guest exit, and its code.
func AsExit(err error) (uint32, bool) {
	var exit *Exit
	if errors.As(err, &exit) {
		return exit.Code, true
	}
	return 0, false
}

type Import struct {
	Name string
	Func Func
}

// Catalogue lists the imports in registration order.
var Catalogue = []Import{
	{"debug", Debug},
	{"runtime.resetMemoryDataView", ResetMemoryDataView},
	{"runtime.wasmExit", WasmExit},
	{"runtime.wasmWrite", WasmWrite},
	{"runtime.nanotime1", Nanotime1},
	{"runtime.walltime", Walltime},
	{"runtime.walltime1", Walltime1},
	{"runtime.scheduleTimeoutEvent", ScheduleTimeoutEvent},
	{"runtime.clearTimeoutEvent", ClearTimeoutEvent},
	{"runtime.getRandomData", GetRandomData},
}

func Lookup(name string) (Func, bool) {
	for _, imp := range Catalogue {
		if imp.Name == name {
			return imp.Func, true
		}
	}
	return nil, false
}

// Debug prints its argument. The argument is a plain value, not a frame
// pointer.
func Debug(env *simenv.Env, value uint32) error {
	state, unlock := env.Acquire()
	defer unlock()
	if _, err := fmt.Fprintf(state.Stdout, "go debug: %d\n", value); err != nil {
		return fmt.Errorf("debug: %w", err)
	}
	return nil
}

func ResetMemoryDataView(env *simenv.Env, sp uint32) error {
	return nil
}

func WasmExit(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	code := stack.ReadUint32(0)
	state.Checksum.RecordInts(simenv.ChecksumKeyExit, uint64(code), 0)
	return &Exit{Code: code}
}

// WasmWrite copies a guest buffer to stderr for fd 2 and to stdout
// otherwise.
func WasmWrite(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	fd := stack.ReadUint64(0)
	ptr := stack.ReadUint64(1)
	n := stack.ReadUint32(2)
	buf := stack.ReadBytes(ptr, uint64(n))

	out := state.Stdout
	if fd == 2 {
		out = state.Stderr
	}
	state.Checksum.RecordBytes(simenv.ChecksumKeyWrite, buf)
	if _, err := out.Write(buf); err != nil {
		return fmt.Errorf("wasmWrite to fd %d: %w", fd, err)
	}
	return nil
}

func Nanotime1(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	now := state.Clock.Advance()
	state.Checksum.RecordInts(simenv.ChecksumKeyClock, now, 0)
	stack.WriteUint64(0, now)
	return nil
}

// Walltime reports the virtual clock as seconds and a 32-bit nanosecond
// remainder.
func Walltime(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	now := state.Clock.Advance()
	state.Checksum.RecordInts(simenv.ChecksumKeyClock, now, 0)
	stack.WriteUint64(0, now/1e9)
	stack.WriteUint32(1, uint32(now%1e9))
	return nil
}

// Walltime1 is Walltime with a 64-bit nanosecond remainder.
func Walltime1(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	now := state.Clock.Advance()
	state.Checksum.RecordInts(simenv.ChecksumKeyClock, now, 0)
	stack.WriteUint64(0, now/1e9)
	stack.WriteUint64(1, now%1e9)
	return nil
}

func ScheduleTimeoutEvent(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	delay := stack.ReadUint64(0)
	id := state.Timeouts.Schedule(delay, state.Clock.Now())
	state.Checksum.RecordInts(simenv.ChecksumKeySchedule, uint64(id), delay)
	stack.WriteUint32(1, id)
	return nil
}

// ClearTimeoutEvent cancels a timer. Unknown ids are logged and ignored.
func ClearTimeoutEvent(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	id := stack.ReadUint32(0)
	cleared := state.Timeouts.Clear(id)
	if !cleared {
		state.Logger.Warn("clearing timeout event that is not pending", "id", id)
	}
	var flag uint64
	if cleared {
		flag = 1
	}
	state.Checksum.RecordInts(simenv.ChecksumKeyClear, uint64(id), flag)
	return nil
}

// GetRandomData fills a guest buffer from the env's generator.
func GetRandomData(env *simenv.Env, sp uint32) error {
	stack, state, unlock := env.Lock(sp)
	defer unlock()

	ptr := stack.ReadUint64(0)
	n := stack.ReadUint64(1)
	stack.Check("getRandomData", ptr, n)

	buf := make([]byte, n)
	state.Rand.Fill(buf)
	state.Checksum.RecordInts(simenv.ChecksumKeyRandom, ptr, n)
	stack.WriteBytes(ptr, buf)
	return nil
}
