// Command lidar-relay streams live sensor frames or converts packet
// captures into per-frame .npy point clouds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/lidar.relay/internal/version"
)

// errUsage marks command line mistakes; main prints usage for them.
var errUsage = errors.New("usage error")

// errHelp is returned after a command printed its own options.
var errHelp = errors.New("help requested")

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			printUsage(os.Stderr)
			os.Exit(2)
		}
		log.Printf("relay failed: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: a command is required", errUsage)
	}

	command, rest := args[0], args[1:]
	switch command {
	case "live":
		return runLive(ctx, rest)
	case "convert":
		return runConvert(ctx, rest)
	case "runs":
		return runRuns(rest, stdout)
	case "version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `lidar-relay - point cloud relay for spinning lidar sensors

Usage: lidar-relay <command> [options]

Commands:
  live       Stream frames from a sensor (or the synthetic generator)
  convert    Replay a packet capture and export every frame as .npy
  runs       List export runs recorded in a manifest database
  version    Show build information
  help       Show this help message

Run 'lidar-relay <command> -h' for the options of a command.
`)
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stderr)
			fmt.Fprintf(os.Stderr, "Usage of %s:\n", fs.Name())
			fs.PrintDefaults()
			return errHelp
		}
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s: unexpected argument %q", errUsage, fs.Name(), fs.Arg(0))
	}
	return nil
}
