package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jellevandenhooff/wasmsim/internal/simlog"
)

func checkCommand(args []string, stdout, stderr io.Writer) int {
	checkflags := flag.NewFlagSet(commandName("check"), flag.ContinueOnError)
	checkflags.SetOutput(stderr)
	if err := checkflags.Parse(args); err != nil {
		return 2
	}
	if checkflags.NArg() != 1 {
		checkflags.Usage()
		return 2
	}

	b, err := os.ReadFile(checkflags.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	counts := make(map[slog.Level]int)
	for _, log := range simlog.ParseLog(b) {
		counts[log.Level]++
		if log.Level < slog.LevelWarn {
			continue
		}
		var fields strings.Builder
		for _, f := range log.Unknown {
			fmt.Fprintf(&fields, " %s=%s", f.Key, f.Value)
		}
		fmt.Fprintf(stdout, "%s %v %s%s\n", log.Level, log.VirtualTime(), log.Msg, fields.String())
	}
	fmt.Fprintf(stdout, "%d debug, %d info, %d warnings, %d errors\n",
		counts[slog.LevelDebug], counts[slog.LevelInfo], counts[slog.LevelWarn], counts[slog.LevelError])

	if counts[slog.LevelError] > 0 {
		return 1
	}
	return 0
}
