/*
Package wasmsim runs WebAssembly guests compiled for the Go js/wasm
convention against a deterministic host. The guest's time, random data and
timers all come from the host and depend only on the session's
configuration, so running the same guest twice gives the same result, down
to every byte written and every timer fired.

# Running guests

A Session owns a wazero runtime with the host functions registered and an
environment holding the virtual state:

	s, err := wasmsim.New(ctx, wasmsim.Config{})
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	outcome, err := s.Run(ctx, wasm)

Run calls the guest's entry export and then delivers its timers one at a
time, earliest first, by calling its resume export, until the guest exits
or has no timers left. The command [github.com/jellevandenhooff/wasmsim/cmd/wasmsim]
does the same from the command line.

# Virtual time

The clock starts at zero. Every clock query by the guest advances it by
Config.TimeInterval and returns the new value, so a guest that polls the
clock sees time pass at a fixed rate. Nothing else moves the clock, in
particular not the delivery of a timer.

# Random data

Random data comes from a PCG generator seeded with Config.Seed, or
DefaultSeed if it is nil.

# Checksums

Every effect the guest has on or observes from the host is folded into a
running checksum, reported in Outcome.Checksum. Sessions of the same guest
with the same configuration must agree on it; the command can run replicas
side by side and record checksums across runs to catch divergence.

# Logging

The session logs with log/slog. Records are stamped with virtual time.
*/
package wasmsim
