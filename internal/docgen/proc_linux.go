//go:build linux

package docgen

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// processRSSBytes reads the resident set size from /proc/self/statm.
func processRSSBytes() (uint64, bool) {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, false
	}
	fields := bytes.Fields(b)
	if len(fields) < 2 {
		return 0, false
	}
	pages, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, false
	}
	return pages * uint64(os.Getpagesize()), true
}

var rollupFields = map[string]string{
	"Anonymous": "rss_anon",
	"File":      "rss_file",
	"Shmem":     "rss_shmem",
}

// readSmapsRollup extracts the RSS split from /proc/self/smaps_rollup.
// Workbook parsing shows up as anonymous growth, leveldb tables as file.
func readSmapsRollup() map[string]uint64 {
	f, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return nil
	}
	defer f.Close()

	out := make(map[string]uint64, len(rollupFields))
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// "Anonymous:     1234 kB"
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		field, want := rollupFields[strings.TrimSpace(name)]
		if !want {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		out[field] = n * 1024
	}
	if sc.Err() != nil {
		return nil
	}
	return out
}

// memoryFields reports process memory for the stats line.
func memoryFields() []zap.Field {
	rss, ok := processRSSBytes()
	if !ok {
		return nil
	}
	fields := []zap.Field{zap.String("rss", formatBytes(rss))}
	split := readSmapsRollup()
	for _, name := range []string{"rss_anon", "rss_file", "rss_shmem"} {
		if v, ok := split[name]; ok {
			fields = append(fields, zap.String(name, formatBytes(v)))
		}
	}
	return fields
}
