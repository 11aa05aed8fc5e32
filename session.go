package wasmsim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/jellevandenhooff/wasmsim/internal/gostack"
	"github.com/jellevandenhooff/wasmsim/internal/hostfuncs"
	"github.com/jellevandenhooff/wasmsim/internal/simenv"
	"github.com/jellevandenhooff/wasmsim/internal/simlog"
)

type (
	// Seed selects the random data a guest sees.
	Seed = simenv.Seed
	// LogFormat is one of "raw", "indented" or "pretty".
	LogFormat = simlog.Format
)

// DefaultSeed is the seed used when Config.Seed is nil.
var DefaultSeed = simenv.DefaultSeed

var (
	ErrTooManyResumes = errors.New("wasmsim: too many resumes")
	ErrAlreadyRan     = errors.New("wasmsim: session already ran")
)

type Config struct {
	// TimeInterval is the virtual time each clock query takes. Defaults to
	// 10ms.
	TimeInterval time.Duration
	Seed         *Seed

	// Stdout and Stderr receive the guest's output. They default to the
	// process's.
	Stdout io.Writer
	Stderr io.Writer

	// Logger overrides the session logger. Otherwise one is built from
	// LogOutput, LogLevel and LogFormat, stamped with virtual time.
	Logger    *slog.Logger
	LogOutput io.Writer
	LogLevel  slog.Level
	LogFormat LogFormat
	// LogAttrs are added to every record of the built logger.
	LogAttrs []any

	// Entry is the export called first, Resume the export called for each
	// fired timer. They default to "run" and "resume".
	Entry  string
	Resume string
	// MaxResumes bounds the number of timers delivered. Defaults to 1<<16.
	MaxResumes int

	// ImportModules are the module names the host functions are
	// registered under. Defaults to "gojs" and "go".
	ImportModules []string
}

func (c Config) withDefaults() Config {
	if c.TimeInterval == 0 {
		c.TimeInterval = simenv.DefaultTimeInterval
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	if c.LogOutput == nil {
		c.LogOutput = os.Stderr
	}
	if c.LogFormat == "" {
		c.LogFormat = simlog.FormatRaw
	}
	if c.Entry == "" {
		c.Entry = "run"
	}
	if c.Resume == "" {
		c.Resume = "resume"
	}
	if c.MaxResumes == 0 {
		c.MaxResumes = 1 << 16
	}
	return c
}

// Outcome describes a finished guest.
type Outcome struct {
	// Exited is set if the guest called exit, in which case Code is its
	// status code. A guest that returns with no timers left has not exited.
	Exited bool
	Code   uint32
	// Time is the virtual time at the end of the run.
	Time time.Duration
	// Checksum summarizes everything the guest observed and did. Two runs
	// of the same guest with the same Config have the same Checksum.
	Checksum uint64
	Resumes  int
}

// Session runs one guest against a fresh deterministic environment.
type Session struct {
	config  Config
	runtime wazero.Runtime
	env     *simenv.Env
	logger  *slog.Logger
	ran     bool
}

func New(ctx context.Context, config Config) (*Session, error) {
	config = config.withDefaults()

	clock := simenv.NewClock(config.TimeInterval)
	logger := config.Logger
	if logger == nil {
		logger = simlog.New(config.LogOutput, config.LogLevel, config.LogFormat, clock).With(config.LogAttrs...)
	}

	env := simenv.New(simenv.Config{
		Clock:  clock,
		Seed:   config.Seed,
		Stdout: config.Stdout,
		Stderr: config.Stderr,
		Logger: logger,
	})

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := hostfuncs.Instantiate(ctx, runtime, env, config.ImportModules...); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	return &Session{
		config:  config,
		runtime: runtime,
		env:     env,
		logger:  logger,
	}, nil
}

func (s *Session) Logger() *slog.Logger {
	return s.logger
}

func (s *Session) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Run instantiates wasm, calls its entry export and then delivers timers
// one at a time, earliest first, until the guest exits or no live timer
// is left. Delivering a timer does not move the virtual clock.
//
// A guest exit is reported in the Outcome. Errors are fatal: the guest and
// host disagreed about memory layout, a host stream failed, or the guest
// trapped.
func (s *Session) Run(ctx context.Context, wasm []byte) (Outcome, error) {
	if s.ran {
		return Outcome{}, ErrAlreadyRan
	}
	s.ran = true

	mod, err := s.runtime.InstantiateWithConfig(ctx, wasm, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		return Outcome{}, fmt.Errorf("wasmsim: instantiating guest: %w", err)
	}
	defer mod.Close(ctx)

	mem := mod.ExportedMemory("mem")
	if mem == nil {
		mem = mod.Memory()
	}
	if mem == nil {
		return Outcome{}, errors.New("wasmsim: guest has no memory")
	}
	if err := s.env.Bind(mem); err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	exited, err := s.call(ctx, mod, s.config.Entry, &outcome)
	for err == nil && !exited {
		event, next, ok := s.popTimeout()
		if !ok {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("wasmsim: resuming guest: %w", ctxErr)
			s.releaseEvent(event)
			break
		}
		if outcome.Resumes >= s.config.MaxResumes {
			err = fmt.Errorf("%w: %d", ErrTooManyResumes, outcome.Resumes)
			s.releaseEvent(event)
			break
		}
		s.logger.Debug("resuming guest", "id", next.ID, "at", next.Time, "event", event.Ref)
		outcome.Resumes++
		exited, err = s.call(ctx, mod, s.config.Resume, &outcome)
		s.releaseEvent(event)
	}

	state, unlock := s.env.Acquire()
	outcome.Time = time.Duration(state.Clock.Now())
	outcome.Checksum = state.Checksum.Sum()
	state.PendingEvent = nil
	unlock()

	if err != nil {
		return outcome, err
	}
	if exited {
		s.logger.Info("guest exited", "code", outcome.Code, "resumes", outcome.Resumes)
	}
	return outcome, nil
}

// popTimeout fires the earliest live timer and makes it the pending event.
// The event's argument is the timer id.
func (s *Session) popTimeout() (*simenv.PendingEvent, simenv.Timeout, bool) {
	state, unlock := s.env.Acquire()
	defer unlock()

	next, ok := state.Timeouts.Pop()
	if !ok {
		return nil, next, false
	}
	state.Checksum.RecordInts(simenv.ChecksumKeyFire, uint64(next.ID), next.Time)
	event := &simenv.PendingEvent{
		ID:   next.ID,
		This: gostack.MakeRef(gostack.RefGo, gostack.TypeFlagObject),
		Args: []gostack.Value{gostack.Number(float64(next.ID))},
	}
	event.Ref = state.Objects.Insert(event)
	state.PendingEvent = event
	return event, next, true
}

// releaseEvent drops a handled event from the object pool.
func (s *Session) releaseEvent(event *simenv.PendingEvent) {
	state, unlock := s.env.Acquire()
	defer unlock()

	state.Objects.Remove(event.Ref)
	if state.PendingEvent == event {
		state.PendingEvent = nil
	}
}

func (s *Session) call(ctx context.Context, mod api.Module, name string, outcome *Outcome) (exited bool, err error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return false, fmt.Errorf("wasmsim: guest does not export %q", name)
	}
	_, err = fn.Call(ctx)
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return false, fmt.Errorf("wasmsim: calling %s: %w", name, ctx.Err())
		}
		outcome.Exited = true
		outcome.Code = exitErr.ExitCode()
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("wasmsim: calling %s: %w", name, err)
	}
	return false, nil
}
