// Package main implements the racelog CLI tool.
//
// racelog inspects the race logs written by the runtime:
//
//	racelog dump races.jsonl                       # Print every report
//	racelog dump -json -driver sqlite -dsn races.db
//	racelog verify races.jsonl                     # Check header and records
//	racelog serve -addr :9464 races.jsonl          # HTTP API and /metrics
//	racelog archive races.jsonl                    # Upload to RACECORE_S3_BUCKET
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kolkov/racecore/race"
)

// errUsage is returned for malformed command lines; usage has already been
// printed.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	log := slog.New(slog.NewTextHandler(stderr, nil)).With("component", "racelog")

	var err error
	switch command := args[0]; command {
	case "dump":
		err = dumpCommand(args[1:], stdout, stderr)
	case "verify":
		err = verifyCommand(args[1:], stdout, stderr)
	case "serve":
		err = serveCommand(args[1:], stderr, log)
	case "archive":
		err = archiveCommand(args[1:], stdout, stderr, log)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "racelog version %s (log format %s)\n", race.Version, race.GetInfo().LogFormat)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `racelog - race log inspection tool

USAGE:
    racelog <command> [flags] [path]

COMMANDS:
    dump       Print the races of a log
    verify     Check that a log file is complete and compatible
    serve      Serve a log over HTTP with Prometheus metrics
    archive    Upload a log file to S3
    version    Show version information
    help       Show this help message

SOURCES:
    dump and serve read a JSON-lines file by default. Use
    -driver sqlite|pgx -dsn <dsn> to read a SQL race log instead.

ENVIRONMENT:
    archive and serve read RACECORE_S3_* and RACECORE_METRICS_ADDR.

`)
}
