// Command failsafefs-recover is an interactive shell over the forensic
// scanner: it sweeps a raw device or container file for recoverable
// description blocks, lets an operator browse what chains and revisions
// were found, and extracts any one of them back to a regular file.
//
// Usage:
//
//	failsafefs-recover <device-or-file>
//
// Commands (in the shell):
//
//	scan                       Re-sweep the source for records
//	list [limit]               List recovered records in scan order
//	show <n>                   Show full detail for record n
//	chains                     Group records by chain identity (random_id)
//	revisions <hex-random-id>   List every revision of one chain
//	extract <n> <dest-path>     Reconstruct record n's file content to dest-path
//	help                       Show this help
//	exit / quit / q            Exit
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"

	"github.com/calvinalkan/failsafefs/internal/container"
	"github.com/calvinalkan/failsafefs/internal/fsblock"
	"github.com/calvinalkan/failsafefs/internal/scanner"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: failsafefs-recover <device-or-file>")
		os.Exit(1)
	}

	if err := (&shell{sourcePath: os.Args[1]}).run(); err != nil {
		fmt.Fprintf(os.Stderr, "failsafefs-recover: %v\n", err)
		os.Exit(1)
	}
}

// shell is the interactive recovery session. records holds the result of
// the most recent scan, in discovery order.
type shell struct {
	sourcePath string
	records    []scanner.Record
	liner      *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".failsafefs-recover_history")
}

func (s *shell) run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(historyFile()); err == nil {
		s.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("failsafefs-recover - %s\n", s.sourcePath)
	fmt.Println("Type 'help' for available commands. Run 'scan' first.")
	fmt.Println()

	for {
		line, err := s.liner.Prompt("recover> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			s.saveHistory()
			return nil

		case "help", "?":
			s.printHelp()

		case "scan":
			s.cmdScan()

		case "list", "ls":
			s.cmdList(args)

		case "show":
			s.cmdShow(args)

		case "chains":
			s.cmdChains()

		case "revisions":
			s.cmdRevisions(args)

		case "extract":
			s.cmdExtract(args)

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	s.saveHistory()
	return nil
}

func (s *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			s.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (s *shell) completer(line string) []string {
	commands := []string{"scan", "list", "ls", "show", "chains", "revisions", "extract", "help", "exit", "quit", "q"}
	var completions []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}
	return completions
}

func (s *shell) printHelp() {
	fmt.Println(`Commands:
  scan                        re-sweep the source for records
  list [limit]                list recovered records
  show <n>                    show full detail for record n
  chains                      group records by chain identity
  revisions <hex-random-id>   list every revision of one chain
  extract <n> <dest-path>     reconstruct record n to dest-path
  help                        show this help
  exit / quit / q             exit`)
}

func (s *shell) cmdScan() {
	f, err := os.Open(s.sourcePath)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	defer f.Close()

	s.records = nil
	err = scanner.Scan(f, func(rec scanner.Record) error {
		s.records = append(s.records, rec)
		return nil
	})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("found %d record(s)\n", len(s.records))
}

func (s *shell) cmdList(args []string) {
	if len(s.records) == 0 {
		fmt.Println("no records; run 'scan' first")
		return
	}

	limit := len(s.records)
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			fmt.Printf("invalid limit: %s\n", args[0])
			return
		}
		if n < limit {
			limit = n
		}
	}

	for i := 0; i < limit; i++ {
		rec := s.records[i]
		fmt.Printf("%3d  offset=%-10d size=%-8d rev=%-4d path=%s\n",
			i, rec.ByteOffset, rec.LogicalLength, rec.Revision, displayPath(rec))
	}
}

func (s *shell) cmdShow(args []string) {
	rec, ok := s.recordAt(args, 0)
	if !ok {
		return
	}
	fmt.Printf("byte_offset:   %d\n", rec.ByteOffset)
	fmt.Printf("block_counter: %d\n", rec.BlockCounter)
	fmt.Printf("logical_size:  %d\n", rec.LogicalLength)
	fmt.Printf("revision:      %d\n", rec.Revision)
	fmt.Printf("random_id:     %s\n", hex.EncodeToString(rec.RandomID[:]))
	fmt.Printf("path:          %s\n", displayPath(rec))
}

func (s *shell) cmdChains() {
	if len(s.records) == 0 {
		fmt.Println("no records; run 'scan' first")
		return
	}

	type chain struct {
		randomID [32]byte
		count    int
		newest   scanner.Record
	}
	byID := make(map[[32]byte]*chain)
	var order [][32]byte
	for _, rec := range s.records {
		c, ok := byID[rec.RandomID]
		if !ok {
			c = &chain{randomID: rec.RandomID}
			byID[rec.RandomID] = c
			order = append(order, rec.RandomID)
		}
		c.count++
		if rec.Revision >= c.newest.Revision {
			c.newest = rec
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return byID[order[i]].newest.Revision > byID[order[j]].newest.Revision
	})

	for _, id := range order {
		c := byID[id]
		fmt.Printf("%s  revisions=%-4d newest_path=%s\n", hex.EncodeToString(id[:]), c.count, displayPath(c.newest))
	}
}

func (s *shell) cmdRevisions(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: revisions <hex-random-id>")
		return
	}
	want, err := hex.DecodeString(args[0])
	if err != nil || len(want) != 32 {
		fmt.Println("random-id must be 32 bytes, hex-encoded")
		return
	}
	var id [32]byte
	copy(id[:], want)

	var matches []scanner.Record
	for _, rec := range s.records {
		if rec.RandomID == id {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Revision > matches[j].Revision })

	for _, rec := range matches {
		fmt.Printf("offset=%-10d size=%-8d rev=%-4d path=%s\n", rec.ByteOffset, rec.LogicalLength, rec.Revision, displayPath(rec))
	}
}

func (s *shell) cmdExtract(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: extract <n> <dest-path>")
		return
	}
	rec, ok := s.recordAt(args, 0)
	if !ok {
		return
	}
	dest := args[1]

	data, err := s.reconstruct(rec)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	if err := atomic.WriteFile(dest, bytes.NewReader(data)); err != nil {
		fmt.Printf("error writing %s: %v\n", dest, err)
		return
	}
	fmt.Printf("wrote %d bytes to %s\n", len(data), dest)
}

// reconstruct re-derives rec's chain start from its recovered description
// offset and block counter, then drives the chain through the ordinary
// container reader to recover the logical bytes.
func (s *shell) reconstruct(rec scanner.Record) ([]byte, error) {
	f, err := os.Open(s.sourcePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chainStart := rec.ByteOffset - rec.BlockCounter*fsblock.BlockSize + fsblock.BlockSize
	containerSize := (rec.BlockCounter + 1) * fsblock.BlockSize

	view := &offsetView{f: f, base: chainStart}
	ch, err := container.Open(view, containerSize, false)
	if err != nil {
		return nil, fmt.Errorf("reopening recovered chain: %w", err)
	}

	buf := make([]byte, rec.LogicalLength)
	if _, err := ch.Read(0, buf); err != nil {
		return nil, fmt.Errorf("reading recovered chain: %w", err)
	}
	return buf, nil
}

func (s *shell) recordAt(args []string, idx int) (scanner.Record, bool) {
	if len(args) <= idx {
		fmt.Println("missing record number")
		return scanner.Record{}, false
	}
	n, err := strconv.Atoi(args[idx])
	if err != nil || n < 0 || n >= len(s.records) {
		fmt.Printf("invalid record number: %s\n", args[idx])
		return scanner.Record{}, false
	}
	return s.records[n], true
}

func displayPath(rec scanner.Record) string {
	if rec.Partial {
		return rec.Path + " (truncated)"
	}
	return rec.Path
}

// offsetView presents a window of an underlying ReaderAt/WriterAt shifted
// by base, so a chain recovered mid-device can be driven through
// container.Open as if it started at offset 0. It is read-only: recovery
// never writes back to the source.
type offsetView struct {
	f    *os.File
	base int64
}

func (v *offsetView) ReadAt(p []byte, off int64) (int, error) {
	return v.f.ReadAt(p, v.base+off)
}

func (v *offsetView) WriteAt([]byte, int64) (int, error) {
	return 0, errors.New("failsafefs-recover: recovered source is read-only")
}
