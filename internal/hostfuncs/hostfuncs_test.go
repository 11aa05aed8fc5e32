package hostfuncs_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jellevandenhooff/wasmsim/internal/gostack"
	"github.com/jellevandenhooff/wasmsim/internal/hostfuncs"
	"github.com/jellevandenhooff/wasmsim/internal/simenv"
	"github.com/jellevandenhooff/wasmsim/internal/wasmtest"
)

const sp = 1024

type testEnv struct {
	env    *simenv.Env
	stack  gostack.Stack
	stdout bytes.Buffer
	stderr bytes.Buffer
	log    bytes.Buffer
}

func newTestEnv(t *testing.T, interval time.Duration) *testEnv {
	t.Helper()
	te := &testEnv{}
	te.env = simenv.New(simenv.Config{
		TimeInterval: interval,
		Stdout:       &te.stdout,
		Stderr:       &te.stderr,
		Logger:       slog.New(slog.NewJSONHandler(&te.log, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err := te.env.Bind(wasmtest.Memory(t, 1)); err != nil {
		t.Fatal(err)
	}
	te.stack = te.env.Stack(sp)
	return te
}

func (te *testEnv) call(t *testing.T, f hostfuncs.Func) {
	t.Helper()
	if err := f(te.env, sp); err != nil {
		t.Fatal(err)
	}
}

func (te *testEnv) checksum() uint64 {
	state, unlock := te.env.Acquire()
	defer unlock()
	return state.Checksum.Sum()
}

func expectFault(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		err, _ := r.(error)
		var fault *gostack.Fault
		if !errors.As(err, &fault) {
			t.Errorf("expected *gostack.Fault panic, got %v", r)
		}
	}()
	f()
}

func TestNanotime(t *testing.T) {
	te := newTestEnv(t, 0)
	var got []uint64
	for i := 0; i < 3; i++ {
		te.call(t, hostfuncs.Nanotime1)
		got = append(got, te.stack.ReadUint64(0))
	}
	if diff := cmp.Diff([]uint64{10_000_000, 20_000_000, 30_000_000}, got); diff != "" {
		t.Error(diff)
	}
}

func TestWalltime(t *testing.T) {
	te := newTestEnv(t, 700*time.Millisecond)

	te.stack.WriteUint64(1, 0xffff_ffff_ffff_ffff)
	te.call(t, hostfuncs.Walltime)
	te.call(t, hostfuncs.Walltime)
	if got := te.stack.ReadUint64(0); got != 1 {
		t.Errorf("seconds: expected 1, got %d", got)
	}
	// only the low half of the nanos slot is written
	if got := te.stack.ReadUint64(1); got != 0xffff_ffff_0000_0000|400_000_000 {
		t.Errorf("nanos slot: got %#x", got)
	}

	te.stack.WriteUint64(1, 0xffff_ffff_ffff_ffff)
	te.call(t, hostfuncs.Walltime1)
	if got := te.stack.ReadUint64(0); got != 2 {
		t.Errorf("seconds: expected 2, got %d", got)
	}
	if got := te.stack.ReadUint64(1); got != 100_000_000 {
		t.Errorf("nanos: expected 100000000, got %d", got)
	}
}

func TestScheduleTimeoutEvent(t *testing.T) {
	te := newTestEnv(t, 0)

	for want := uint32(0); want < 2; want++ {
		te.stack.WriteUint64(0, 5)
		te.call(t, hostfuncs.ScheduleTimeoutEvent)
		if got := te.stack.ReadUint32(1); got != want {
			t.Errorf("expected id %d, got %d", want, got)
		}
	}

	state, unlock := te.env.Acquire()
	defer unlock()
	if state.Clock.Now() != 0 {
		t.Errorf("scheduling moved the clock to %d", state.Clock.Now())
	}
	var fired []simenv.Timeout
	for {
		next, ok := state.Timeouts.Pop()
		if !ok {
			break
		}
		fired = append(fired, next)
	}
	want := []simenv.Timeout{{Time: 5_000_000, ID: 0}, {Time: 5_000_000, ID: 1}}
	if diff := cmp.Diff(want, fired); diff != "" {
		t.Error(diff)
	}
}

func TestScheduleAfterClockQuery(t *testing.T) {
	te := newTestEnv(t, 0)
	te.call(t, hostfuncs.Nanotime1)
	te.stack.WriteUint64(0, 1)
	te.call(t, hostfuncs.ScheduleTimeoutEvent)

	state, unlock := te.env.Acquire()
	defer unlock()
	next, _ := state.Timeouts.Peek()
	if next.Time != 11_000_000 {
		t.Errorf("expected fire time 11000000, got %d", next.Time)
	}
}

func TestClearTimeoutEvent(t *testing.T) {
	te := newTestEnv(t, 0)
	te.stack.WriteUint64(0, 5)
	te.call(t, hostfuncs.ScheduleTimeoutEvent)

	te.stack.WriteUint32(0, 0)
	te.call(t, hostfuncs.ClearTimeoutEvent)
	if te.log.Len() != 0 {
		t.Errorf("unexpected log output clearing live timer: %s", te.log.String())
	}

	te.call(t, hostfuncs.ClearTimeoutEvent)
	te.stack.WriteUint32(0, 42)
	te.call(t, hostfuncs.ClearTimeoutEvent)

	lines := strings.Split(strings.TrimSpace(te.log.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 warnings, got %q", te.log.String())
	}
	for _, line := range lines {
		if !strings.Contains(line, `"level":"WARN"`) || !strings.Contains(line, "not pending") {
			t.Errorf("unexpected log line %s", line)
		}
	}
	if !strings.Contains(lines[1], `"id":42`) {
		t.Errorf("expected id 42 in %s", lines[1])
	}

	state, unlock := te.env.Acquire()
	defer unlock()
	if state.Timeouts.Len() != 0 {
		t.Errorf("expected no live timers, got %v", state.Timeouts.LiveIDs())
	}
}

func TestGetRandomData(t *testing.T) {
	te := newTestEnv(t, 0)

	te.stack.WriteUint64(0, 256)
	te.stack.WriteUint64(1, 6)
	te.call(t, hostfuncs.GetRandomData)
	if got := hex.EncodeToString(te.stack.ReadBytes(256, 8)); got != "ea94552849a30000" {
		t.Errorf("got %s", got)
	}

	// the next fill continues with the following outputs
	te.stack.WriteUint64(0, 512)
	te.stack.WriteUint64(1, 4)
	te.call(t, hostfuncs.GetRandomData)
	if got := hex.EncodeToString(te.stack.ReadBytes(512, 4)); got != "f22fc4cb" {
		t.Errorf("got %s", got)
	}
}

func TestGetRandomDataDeterministic(t *testing.T) {
	fill := func() []byte {
		te := newTestEnv(t, 0)
		var out []byte
		for _, n := range []uint64{1, 7, 16, 3, 0, 33} {
			te.stack.WriteUint64(0, 4096)
			te.stack.WriteUint64(1, n)
			te.call(t, hostfuncs.GetRandomData)
			out = append(out, te.stack.ReadBytes(4096, n)...)
		}
		return out
	}
	if diff := cmp.Diff(fill(), fill()); diff != "" {
		t.Error(diff)
	}
}

func TestGetRandomDataFaults(t *testing.T) {
	te := newTestEnv(t, 0)

	te.stack.WriteUint64(0, 1<<32)
	te.stack.WriteUint64(1, 1)
	expectFault(t, func() { hostfuncs.GetRandomData(te.env, sp) })

	te.stack.WriteUint64(0, 65536-2)
	te.stack.WriteUint64(1, 3)
	expectFault(t, func() { hostfuncs.GetRandomData(te.env, sp) })

	te.stack.WriteUint64(0, 0)
	te.stack.WriteUint64(1, 1<<40)
	expectFault(t, func() { hostfuncs.GetRandomData(te.env, sp) })

	// a failed fill does not hold on to the lock
	te.stack.WriteUint64(0, 0)
	te.stack.WriteUint64(1, 4)
	te.call(t, hostfuncs.GetRandomData)
}

func TestWasmWrite(t *testing.T) {
	te := newTestEnv(t, 0)
	te.stack.WriteBytes(2048, []byte("hello, world"))

	write := func(fd, ptr uint64, n uint32) {
		te.stack.WriteUint64(0, fd)
		te.stack.WriteUint64(1, ptr)
		te.stack.WriteUint32(2, n)
		te.call(t, hostfuncs.WasmWrite)
	}
	write(1, 2048, 5)
	write(2, 2055, 5)
	write(7, 2053, 2)

	if got := te.stdout.String(); got != "hello, " {
		t.Errorf("stdout: got %q", got)
	}
	if got := te.stderr.String(); got != "world" {
		t.Errorf("stderr: got %q", got)
	}

	te.stack.WriteUint64(1, 1<<33)
	expectFault(t, func() { hostfuncs.WasmWrite(te.env, sp) })
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestWasmWriteFailure(t *testing.T) {
	env := simenv.New(simenv.Config{Stdout: failingWriter{}})
	if err := env.Bind(wasmtest.Memory(t, 1)); err != nil {
		t.Fatal(err)
	}
	stack := env.Stack(sp)
	stack.WriteUint64(0, 1)
	stack.WriteUint64(1, 0)
	stack.WriteUint32(2, 1)

	err := hostfuncs.WasmWrite(env, sp)
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("expected write failure, got %v", err)
	}
	if _, ok := hostfuncs.AsExit(err); ok {
		t.Error("write failure must not look like an exit")
	}
}

func TestWasmExit(t *testing.T) {
	te := newTestEnv(t, 0)
	te.stack.WriteUint64(0, 0xdead_0000_0003)

	err := hostfuncs.WasmExit(te.env, sp)
	code, ok := hostfuncs.AsExit(err)
	if !ok || code != 3 {
		t.Errorf("expected exit 3, got %v", err)
	}
}

func TestDebugBeforeBind(t *testing.T) {
	var out bytes.Buffer
	env := simenv.New(simenv.Config{Stdout: &out})
	if err := hostfuncs.Debug(env, 77); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "go debug: 77\n" {
		t.Errorf("got %q", got)
	}
}

func TestResetMemoryDataView(t *testing.T) {
	te := newTestEnv(t, 0)
	before := te.checksum()
	te.call(t, hostfuncs.ResetMemoryDataView)
	if te.checksum() != before {
		t.Error("reset changed the checksum")
	}
}

func TestChecksumTracksEffects(t *testing.T) {
	run := func(delay uint64) uint64 {
		te := newTestEnv(t, 0)
		te.call(t, hostfuncs.Nanotime1)
		te.stack.WriteUint64(0, delay)
		te.call(t, hostfuncs.ScheduleTimeoutEvent)
		return te.checksum()
	}
	if run(5) != run(5) {
		t.Error("equal runs gave different checksums")
	}
	if run(5) == run(6) {
		t.Error("different runs gave equal checksums")
	}
}

func TestCatalogue(t *testing.T) {
	seen := make(map[string]bool)
	for _, imp := range hostfuncs.Catalogue {
		if seen[imp.Name] {
			t.Errorf("duplicate import %s", imp.Name)
		}
		seen[imp.Name] = true
		if f, ok := hostfuncs.Lookup(imp.Name); !ok || f == nil {
			t.Errorf("lookup %s failed", imp.Name)
		}
	}
	if len(seen) != 10 {
		t.Errorf("expected 10 imports, got %d", len(seen))
	}
	if _, ok := hostfuncs.Lookup("runtime.nanotime"); ok {
		t.Error("unexpected import runtime.nanotime")
	}
}
