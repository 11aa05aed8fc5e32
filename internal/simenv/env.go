// Package simenv holds the deterministic state a guest observes through host
// calls: a virtual clock, a seeded random generator, and the guest's timers.
//
// One Env exists per session. Host calls reach it through Lock, which hands
// out a frame view together with exclusive access to the State, so that
// memory traffic and state changes of one call happen in one critical
// section.
package simenv

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/jellevandenhooff/wasmsim/internal/gostack"
)

const DefaultTimeInterval = 10 * time.Millisecond

var (
	// ErrUnbound is the panic value of accesses made before Bind.
	ErrUnbound = errors.New("simenv: memory not bound")

	ErrAlreadyBound = errors.New("simenv: memory already bound")
)

// Clock is the virtual clock. It starts at zero and only moves when a clock
// query advances it by a fixed interval.
//
// Now may be called without holding the env lock, for example to stamp log
// records.
type Clock struct {
	interval uint64
	now      atomic.Uint64
}

func NewClock(interval time.Duration) *Clock {
	return &Clock{interval: uint64(interval)}
}

// Advance moves the clock forward by one interval and returns the new time.
// The clock saturates at the largest representable time.
func (c *Clock) Advance() uint64 {
	for {
		old := c.now.Load()
		next, carry := bits.Add64(old, c.interval, 0)
		if carry != 0 {
			next = math.MaxUint64
		}
		if c.now.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Now returns the current virtual time in nanoseconds.
func (c *Clock) Now() uint64 {
	return c.now.Load()
}

func (c *Clock) Interval() uint64 {
	return c.interval
}

type Config struct {
	// TimeInterval is the virtual time each clock query takes. Defaults to
	// DefaultTimeInterval. Ignored if Clock is set.
	TimeInterval time.Duration
	// Clock lets the caller share the clock, for example with a logger,
	// before the Env exists.
	Clock *Clock
	// Seed defaults to DefaultSeed.
	Seed *Seed

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// State is everything host calls mutate. It is only accessed through Lock.
type State struct {
	Clock    *Clock
	Timeouts *Timeouts
	Rand     *Pcg32
	Objects  *ObjectPool

	// PendingEvent and FutureEvents belong to whatever delivers events to
	// the guest.
	PendingEvent *PendingEvent
	FutureEvents []PendingEvent

	Checksum *Checksummer
	Logger   *slog.Logger
	Stdout   io.Writer
	Stderr   io.Writer
}

type Env struct {
	mem atomic.Pointer[api.Memory]

	mu    sync.Mutex
	state State
}

func New(cfg Config) *Env {
	clock := cfg.Clock
	if clock == nil {
		interval := cfg.TimeInterval
		if interval == 0 {
			interval = DefaultTimeInterval
		}
		clock = NewClock(interval)
	}
	seed := DefaultSeed
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	return &Env{
		state: State{
			Clock:    clock,
			Timeouts: NewTimeouts(),
			Rand:     NewPcg32(seed),
			Objects:  NewObjectPool(),
			Checksum: NewChecksummer(logger),
			Logger:   logger,
			Stdout:   stdout,
			Stderr:   stderr,
		},
	}
}

// Bind attaches the guest's memory. It must be called exactly once, before
// the first host call.
func (e *Env) Bind(mem api.Memory) error {
	if mem == nil {
		return errors.New("simenv: bind nil memory")
	}
	if !e.mem.CompareAndSwap(nil, &mem) {
		return ErrAlreadyBound
	}
	return nil
}

func (e *Env) Bound() bool {
	return e.mem.Load() != nil
}

// Stack returns a view of the frame at sp without touching the State.
func (e *Env) Stack(sp uint32) gostack.Stack {
	mem := e.mem.Load()
	if mem == nil {
		panic(ErrUnbound)
	}
	return gostack.New(sp, *mem)
}

// Lock returns a view of the frame at sp and the State. The caller has
// exclusive access to the State until it calls unlock.
func (e *Env) Lock(sp uint32) (stack gostack.Stack, state *State, unlock func()) {
	stack = e.Stack(sp)
	e.mu.Lock()
	return stack, &e.state, e.mu.Unlock
}

// Acquire returns the State without a frame, for use between host calls.
func (e *Env) Acquire() (*State, func()) {
	e.mu.Lock()
	return &e.state, e.mu.Unlock
}

// Clock returns the virtual clock. It is safe to read without the lock.
func (e *Env) Clock() *Clock {
	return e.state.Clock
}
