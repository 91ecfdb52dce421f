// Command kmatrace replays an allocation trace against one of the five
// kma policies and reports the allocation and free counts, the peak
// number of pages held, the pages still held at the end, and the total
// bytes requested. It does not compute waste.
//
// Usage:
//
//	kmatrace -policy rm trace.txt
//
// Trace lines are either:
//
//	A <id> <size>   allocate <size> bytes, remembered under <id>
//	F <id>          free the buffer previously allocated under <id>
//
// Blank lines and lines starting with # are ignored.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/farlue/kma/kma"
	"github.com/farlue/kma/page"
)

func main() {
	policyName := flag.String("policy", "rm", "allocation policy: rm, p2fl, mck2, bud, lzbud")
	pageSize := flag.Uint("pagesize", page.DefaultSize, "page size in bytes (must be a power of two)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kmatrace -policy <name> <trace-file>\n")
		fmt.Fprintf(os.Stderr, "Trace lines: \"A <id> <size>\" or \"F <id>\"\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	policy, err := parsePolicy(*policyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmatrace: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmatrace: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	rec := page.NewRecordingProvider(page.NewFakeProvider(uint32(*pageSize), 0))
	allocator, err := kma.New(kma.Options{Policy: policy, PageSize: uint32(*pageSize)}, rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmatrace: %v\n", err)
		os.Exit(1)
	}

	stats, err := run(allocator, rec, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmatrace: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("policy:        %s\n", policy)
	fmt.Printf("allocations:   %d\n", stats.allocs)
	fmt.Printf("frees:         %d\n", stats.frees)
	fmt.Printf("peak pages:    %d\n", stats.peakPages)
	fmt.Printf("pages held:    %d (at end of trace)\n", rec.Live())
	fmt.Printf("bytes requested: %d\n", stats.bytesRequested)
}

func parsePolicy(name string) (kma.Policy, error) {
	switch strings.ToLower(name) {
	case "rm":
		return kma.RM, nil
	case "p2fl":
		return kma.P2FL, nil
	case "mck2":
		return kma.MCK2, nil
	case "bud":
		return kma.BUD, nil
	case "lzbud":
		return kma.LZBUD, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", name)
	}
}

type traceStats struct {
	allocs         int
	frees          int
	peakPages      int
	bytesRequested uint64
}

// run replays every trace line against allocator, tracking each live
// allocation's size under its trace id so a later "F <id>" line can pass
// the exact size Free requires.
func run(allocator kma.Allocator, rec *page.RecordingProvider, f *os.File) (traceStats, error) {
	var stats traceStats
	live := make(map[string]struct {
		ptr  unsafe.Pointer
		size uint32
	})

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		switch fields[0] {
		case "A":
			if len(fields) != 3 {
				return stats, fmt.Errorf("line %d: want \"A <id> <size>\"", lineNo)
			}
			size, err := strconv.ParseUint(fields[2], 10, 32)
			if err != nil {
				return stats, fmt.Errorf("line %d: bad size %q: %w", lineNo, fields[2], err)
			}
			ptr, err := allocator.Alloc(uint32(size))
			if err != nil {
				return stats, fmt.Errorf("line %d: alloc(%d) failed: %w", lineNo, size, err)
			}
			live[fields[1]] = struct {
				ptr  unsafe.Pointer
				size uint32
			}{ptr, uint32(size)}
			stats.allocs++
			stats.bytesRequested += size

		case "F":
			if len(fields) != 2 {
				return stats, fmt.Errorf("line %d: want \"F <id>\"", lineNo)
			}
			entry, ok := live[fields[1]]
			if !ok {
				return stats, fmt.Errorf("line %d: free of unknown id %q", lineNo, fields[1])
			}
			if err := allocator.Free(entry.ptr, entry.size); err != nil {
				return stats, fmt.Errorf("line %d: free failed: %w", lineNo, err)
			}
			delete(live, fields[1])
			stats.frees++

		default:
			return stats, fmt.Errorf("line %d: unknown opcode %q", lineNo, fields[0])
		}

		if rec.Live() > stats.peakPages {
			stats.peakPages = rec.Live()
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}
