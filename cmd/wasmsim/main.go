package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
)

const doc = `Wasmsim runs Go js/wasm guests against a deterministic host.

Usage: wasmsim <command> [arguments]

The commands are:

    run            run a guest
    check          summarize a log written by run
    help           print this help

The 'run' command:

Usage: wasmsim run [-interval=10ms] [-seed=state,stream] [-replicas=n]
                   [-ledger=path] [-log-level=INFO] [-logformat=pretty]
                   [-entry=run] [-resume=resume] [-max-resumes=n] file.wasm

The run command calls the guest's entry export and delivers its timers until
it exits. The guest's output goes to stdout and stderr; the session log and a
summary line with the outcome go to stderr. The exit status is the guest's.

The -replicas flag runs n sessions of the guest concurrently and fails if
their checksums differ. Only the first replica's output is shown.

The -ledger flag records the checksum in a database keyed by the guest and
its configuration, and fails if an earlier run recorded a different one.

The 'check' command:

Usage: wasmsim check file.log

The check command parses a raw JSON log written by 'wasmsim run
-logformat=raw' and prints the number of records per level and every warning
and error.
`

func commandName(cmd string) string {
	return fmt.Sprintf("%s %s", path.Base(os.Args[0]), cmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command in args and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(path.Base(os.Args[0]), flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, doc)
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() < 1 {
		flags.Usage()
		return 2
	}
	cmd := flags.Arg(0)
	cmdArgs := flags.Args()[1:]

	switch cmd {
	case "run":
		return runCommand(ctx, cmdArgs, stdout, stderr)
	case "check":
		return checkCommand(cmdArgs, stdout, stderr)
	case "help":
		fmt.Fprint(stdout, doc)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		flags.Usage()
		return 2
	}
}
