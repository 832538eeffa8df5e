package toc

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// DisabledPrefix comments a line out of a pg_restore -L selection list.
const DisabledPrefix = ";"

// Stats counts what a rewrite did.
type Stats struct {
	Lines    int
	Opaque   int
	Kept     int
	Excluded int
	Verdicts map[Verdict]int
}

func newStats() Stats {
	return Stats{Verdicts: make(map[Verdict]int)}
}

func (s *Stats) add(d Decision) {
	s.Lines++
	s.Verdicts[d.Verdict]++

	switch {
	case d.Entry.Opaque():
		s.Opaque++
	case d.Verdict.Excluded():
		s.Excluded++
	default:
		s.Kept++
	}
}

// Rewriter copies a listing, disabling the entries its filter excludes.
type Rewriter struct {
	filter  FilterSet
	observe func(Decision)
}

// NewRewriter returns a Rewriter applying f.
func NewRewriter(f FilterSet) *Rewriter {
	return &Rewriter{filter: f}
}

// Observe registers fn to be called with every decision, in input order.
func (rw *Rewriter) Observe(fn func(Decision)) *Rewriter {
	rw.observe = fn
	return rw
}

// Rewrite streams the listing from r to w. Every input line produces exactly
// one output line, in the same order; excluded lines gain a ";" prefix and
// every other byte is copied unchanged.
func (rw *Rewriter) Rewrite(w io.Writer, r io.Reader) (Stats, error) {
	stats := newStats()
	bw := bufio.NewWriter(w)
	sc := NewScanner(r)

	for sc.Scan() {
		d := rw.filter.Decide(sc.Entry())
		stats.add(d)
		if rw.observe != nil {
			rw.observe(d)
		}

		if d.Verdict.Excluded() {
			if _, err := bw.WriteString(DisabledPrefix); err != nil {
				return stats, fmt.Errorf("writing listing: %w", err)
			}
		}
		if _, err := bw.WriteString(d.Entry.String()); err != nil {
			return stats, fmt.Errorf("writing listing: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("reading listing: %w", err)
	}

	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("writing listing: %w", err)
	}
	return stats, nil
}

// Rewrite filters an in-memory listing.
func Rewrite(listing string, f FilterSet) (string, Stats) {
	var b strings.Builder
	b.Grow(len(listing) + 64)

	// strings.Reader and strings.Builder never fail.
	stats, _ := NewRewriter(f).Rewrite(&b, strings.NewReader(listing))
	return b.String(), stats
}
