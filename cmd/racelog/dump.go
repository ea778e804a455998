package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/kolkov/racecore/internal/race/detector"
	"github.com/kolkov/racecore/internal/race/racelog"
)

// dumpCommand implements 'racelog dump'.
//
// Example:
//
//	racelog dump races.jsonl
//	racelog dump -json -thread 2 races.jsonl
func dumpCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		src    source
		asJSON = fs.Bool("json", false, "print records as JSON lines")
		thread = fs.Int64("thread", 0, "only races involving this thread")
	)
	src.register(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	recs, err := src.load(context.Background(), fs.Arg(0))
	if err != nil {
		if errors.Is(err, errUsage) {
			fs.Usage()
		}
		return err
	}
	recs = filterThread(recs, *thread)

	if *asJSON {
		enc := json.NewEncoder(stdout)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range recs {
		detector.Format(stdout, r)
	}
	fmt.Fprintf(stdout, "%d race(s)\n", len(recs))
	return nil
}

// filterThread keeps the records where tid is either side. tid 0 keeps all.
func filterThread(recs []*racelog.Record, tid int64) []*racelog.Record {
	if tid == 0 {
		return recs
	}
	var out []*racelog.Record
	for _, r := range recs {
		if r.Current.ThreadID == tid || r.Racing.ThreadID == tid {
			out = append(out, r)
		}
	}
	return out
}

// verifyCommand implements 'racelog verify': it reads the whole file and
// fails on the first malformed line or an incompatible header.
func verifyCommand(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: racelog verify <path>")
		return errUsage
	}

	h, recs, err := racelog.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %s %s, created %s", fs.Arg(0), h.Format, h.Version, h.Created.Format("2006-01-02 15:04:05"))
	if h.Host != "" {
		fmt.Fprintf(stdout, " on %s (pid %d)", h.Host, h.PID)
	}
	fmt.Fprintf(stdout, "\n%d record(s) OK\n", len(recs))
	return nil
}
