// Command runstream drives agent and workflow runs on a run server.
//
//	runstream serve      run the daemon with the control API
//	runstream run        start one run and stream its states to stdout
//	runstream watch      follow run states published on NATS
//	runstream migrate    manage the run archive schema
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) == 0 {
		return runServe(nil)
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "run":
		return runRun(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	case "help", "-h", "--help":
		printHelp()
		return nil
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: runstream <command> [options]

Commands:
  serve     Run the daemon (control API, live state fan-out, archive)
  run       Start one run and stream its states to stdout
  watch     Follow run states published on NATS
  migrate   Apply, roll back or inspect archive migrations
  help      Show this help message

Examples:
  runstream serve
  runstream run --kind agent --subject 42 --input "Research Go generics"
  runstream run --kind workflow --subject 7 --input "nightly" --timeout 10m --ask-token
  runstream watch --subject 42
  runstream migrate up
`)
}
