package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jellevandenhooff/wasmsim"
	"github.com/jellevandenhooff/wasmsim/internal/ledger"
	"github.com/jellevandenhooff/wasmsim/internal/simlog"
)

var errReplicasDiverged = errors.New("replicas diverged")

// syncWriter serializes writes from concurrent loggers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func parseSeed(s string) (wasmsim.Seed, error) {
	state, stream, ok := strings.Cut(s, ",")
	if !ok {
		return wasmsim.Seed{}, fmt.Errorf("bad seed %q: expected state,stream", s)
	}
	var seed wasmsim.Seed
	var err error
	if seed.State, err = strconv.ParseUint(state, 0, 64); err != nil {
		return wasmsim.Seed{}, fmt.Errorf("bad seed state: %w", err)
	}
	if seed.Stream, err = strconv.ParseUint(stream, 0, 64); err != nil {
		return wasmsim.Seed{}, fmt.Errorf("bad seed stream: %w", err)
	}
	return seed, nil
}

// runKey identifies everything besides the guest binary that determines a
// run's checksum.
func runKey(config wasmsim.Config) string {
	seed := wasmsim.DefaultSeed
	if config.Seed != nil {
		seed = *config.Seed
	}
	return fmt.Sprintf("interval=%s seed=%#x,%#x entry=%s resume=%s",
		config.TimeInterval, seed.State, seed.Stream, config.Entry, config.Resume)
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	runflags := flag.NewFlagSet(commandName("run"), flag.ContinueOnError)
	runflags.SetOutput(stderr)
	interval := runflags.Duration("interval", 10*time.Millisecond, "virtual time per clock query")
	seed := wasmsim.DefaultSeed
	runflags.Func("seed", "random seed as state,stream", func(s string) error {
		var err error
		seed, err = parseSeed(s)
		return err
	})
	replicas := runflags.Int("replicas", 1, "number of concurrent sessions that must agree")
	ledgerPath := runflags.String("ledger", "", "checksum ledger database")
	level := slog.LevelInfo
	runflags.Func("log-level", "log level: DEBUG|INFO|WARN|ERROR", func(s string) error {
		return level.UnmarshalText([]byte(s))
	})
	format := simlog.FormatPretty
	runflags.Func("logformat", "log formatting: raw|indented|pretty", func(s string) error {
		var err error
		format, err = simlog.ParseFormat(s)
		return err
	})
	entry := runflags.String("entry", "run", "guest export to call first")
	resume := runflags.String("resume", "resume", "guest export to call for each timer")
	maxResumes := runflags.Int("max-resumes", 1<<16, "maximum number of timers to deliver")
	if err := runflags.Parse(args); err != nil {
		return 2
	}
	if runflags.NArg() != 1 || *replicas < 1 {
		runflags.Usage()
		return 2
	}

	logOut := &syncWriter{w: stderr}
	z, err := simlog.Zap(simlog.New(logOut, level, format, nil))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer z.Sync()

	path := runflags.Arg(0)
	wasm, err := os.ReadFile(path)
	if err != nil {
		z.Error("reading guest", zap.Error(err))
		return 1
	}

	config := wasmsim.Config{
		TimeInterval: *interval,
		Seed:         &seed,
		LogOutput:    logOut,
		LogLevel:     level,
		LogFormat:    format,
		Entry:        *entry,
		Resume:       *resume,
		MaxResumes:   *maxResumes,
	}

	outcome, err := runReplicas(ctx, wasm, config, *replicas, stdout, stderr)
	if err != nil {
		z.Error("run failed", zap.String("guest", path), zap.Error(err))
		return 1
	}
	z.Info("guest finished",
		zap.String("guest", path),
		zap.Bool("exited", outcome.Exited),
		zap.Int("code", int(outcome.Code)),
		zap.String("vtime", outcome.Time.String()),
		zap.String("checksum", fmt.Sprintf("%016x", outcome.Checksum)),
		zap.Int("resumes", outcome.Resumes),
		zap.Int("replicas", *replicas))

	if *ledgerPath != "" {
		if err := recordChecksum(*ledgerPath, wasm, config, outcome.Checksum, z); err != nil {
			z.Error("checking ledger", zap.Error(err))
			return 1
		}
	}

	if outcome.Exited {
		return int(outcome.Code)
	}
	return 0
}

// runReplicas runs the guest replicas times concurrently and returns the
// outcome they agree on. Only the first replica's output is kept.
func runReplicas(ctx context.Context, wasm []byte, base wasmsim.Config, replicas int, stdout, stderr io.Writer) (wasmsim.Outcome, error) {
	outcomes := make([]wasmsim.Outcome, replicas)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < replicas; i++ {
		config := base
		config.Stdout, config.Stderr = stdout, stderr
		if i > 0 {
			config.Stdout, config.Stderr = io.Discard, io.Discard
		}
		if replicas > 1 {
			config.LogAttrs = []any{"replica", i}
		}

		g.Go(func() error {
			s, err := wasmsim.New(ctx, config)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			outcome, err := s.Run(ctx, wasm)
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return wasmsim.Outcome{}, err
	}

	for i, outcome := range outcomes[1:] {
		if outcome != outcomes[0] {
			return wasmsim.Outcome{}, fmt.Errorf("%w: replica %d: %+v, replica 0: %+v",
				errReplicasDiverged, i+1, outcome, outcomes[0])
		}
	}
	return outcomes[0], nil
}

func recordChecksum(path string, wasm []byte, config wasmsim.Config, checksum uint64, z *zap.Logger) error {
	l, err := ledger.Open(path)
	if err != nil {
		return err
	}
	defer l.Close()

	key := runKey(config)
	first, err := l.Record(ledger.HashModule(wasm), key, checksum)
	if err != nil {
		return err
	}
	if first {
		z.Info("recorded checksum", zap.String("run", key))
	} else {
		z.Info("checksum matches ledger", zap.String("run", key))
	}
	return nil
}
