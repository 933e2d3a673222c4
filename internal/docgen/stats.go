package docgen

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// servedStats tracks the sizes of template payloads handed out by the cache,
// split by whether they came from local storage or a remote fetch.
type servedStats struct {
	hits      atomic.Uint64
	fetches   atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
	fillRows  atomic.Uint64
	fillCalls atomic.Uint64
}

func newServedStats() *servedStats {
	s := &servedStats{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *servedStats) observe(size int, fetched bool) {
	if fetched {
		s.fetches.Add(1)
	} else {
		s.hits.Add(1)
	}
	n := uint64(max(size, 0))
	s.bytes.Add(n)
	for cur := s.minBytes.Load(); n < cur; cur = s.minBytes.Load() {
		if s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxBytes.Load(); n > cur; cur = s.maxBytes.Load() {
		if s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *servedStats) observeFill(rows int) {
	s.fillCalls.Add(1)
	s.fillRows.Add(uint64(max(rows, 0)))
}

type statsSnapshot struct {
	Hits, Fetches       uint64
	MinBytes, MaxBytes  uint64
	AvgBytes            uint64
	FillCalls, FillRows uint64
}

func (s *servedStats) snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:      s.hits.Load(),
		Fetches:   s.fetches.Load(),
		MaxBytes:  s.maxBytes.Load(),
		FillCalls: s.fillCalls.Load(),
		FillRows:  s.fillRows.Load(),
	}
	if total := out.Hits + out.Fetches; total > 0 {
		out.MinBytes = s.minBytes.Load()
		out.AvgBytes = s.bytes.Load() / total
	}
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
