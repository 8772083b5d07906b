// Command failsafefs-scan sweeps a raw device or container file for
// recoverable FailSafeFS description blocks and prints one line per
// record found, in the order they occur in the stream.
//
// Usage:
//
//	failsafefs-scan [--min-revision N] <device-or-file>
package main

import (
	"bufio"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/failsafefs/internal/scanner"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failsafefs-scan: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("failsafefs-scan", flag.ContinueOnError)
	minRevision := fs.Int64("min-revision", 0, "skip records with a revision below this value")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: failsafefs-scan [flags] <device-or-file>")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("opening %s: %w", fs.Arg(0), err)
	}
	defer f.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	return scanner.Scan(f, func(rec scanner.Record) error {
		if rec.Revision < *minRevision {
			return nil
		}
		_, err := fmt.Fprintf(out, "Offset: %d Size: %d Rev: %d Name: %s\n",
			rec.ByteOffset, rec.LogicalLength, rec.Revision, rec.Path)
		return err
	})
}
