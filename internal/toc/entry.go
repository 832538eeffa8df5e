// Package toc parses, classifies, filters and rewrites the table of contents
// printed by `pg_restore -l`.
package toc

import (
	"bufio"
	"io"
	"strings"
)

// markers is the object-type vocabulary a listing line is matched against.
// Matching is by substring anywhere in the line, so "TABLE DATA" lines also
// match "TABLE", and the two-word types (OPERATOR CLASS, SEQUENCE OWNED BY,
// SEQUENCE SET, FK CONSTRAINT) are covered by their first or last word.
var markers = []string{
	"TABLE DATA",
	"SCHEMA",
	"ACL",
	"TABLE",
	"TYPE",
	"FUNCTION",
	"OPERATOR",
	"CAST",
	"SEQUENCE",
	"VIEW",
	"COMMENT",
	"DEFAULT",
	"INDEX",
	"TRIGGER",
	"CONSTRAINT",
}

// fieldOffset is the index of the first metadata token on a listing line:
//
//	6662; 0 788811 TABLE DATA payment abocb_code payment
//	^id   ^  ^     ^fields[0..3]
const fieldOffset = 3

// Entry is one line of a listing.
type Entry struct {
	// ID is the dump-local identifier before the first ';', if any.
	ID string
	// Raw is the line exactly as read, without its terminator.
	Raw string
	// EOL is the line terminator that followed Raw ("\n", "\r\n" or "" on
	// an unterminated last line).
	EOL string
	// Marker is the first vocabulary word found in the line.
	Marker string
	// Fields holds tokens 3 to 6 of the line. Only meaningful when Parsed.
	Fields [4]string
	// Parsed is false for opaque lines: no marker, too few tokens, blank
	// lines and "(N entries)" style footers.
	Parsed bool
}

// Opaque reports whether the line is passed through without inspection.
func (e Entry) Opaque() bool {
	return !e.Parsed
}

// Type returns the object-type keyword carried by the entry's fields, such
// as "TABLE DATA", "SEQUENCE OWNED BY" or "ACL". It is empty for opaque
// entries.
func (e Entry) Type() string {
	if !e.Parsed {
		return ""
	}

	a, b, c := e.Fields[0], e.Fields[1], e.Fields[2]
	switch {
	case a == "SEQUENCE" && b == "OWNED" && c == "BY":
		return "SEQUENCE OWNED BY"
	case a == "SEQUENCE" && b == "SET",
		a == "TABLE" && b == "DATA",
		a == "OPERATOR" && b == "CLASS",
		a == "FK" && b == "CONSTRAINT":
		return a + " " + b
	}
	return a
}

// String returns the line with its original terminator.
func (e Entry) String() string {
	return e.Raw + e.EOL
}

// ParseLine turns one listing line into an Entry. A trailing "\n" or "\r\n"
// is split off into EOL. It never fails: anything it cannot read is opaque.
func ParseLine(line string) Entry {
	e := Entry{Raw: line}

	switch {
	case strings.HasSuffix(line, "\r\n"):
		e.Raw, e.EOL = line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		e.Raw, e.EOL = line[:len(line)-1], "\n"
	}

	if idx := strings.IndexByte(e.Raw, ';'); idx > 0 {
		e.ID = strings.TrimSpace(e.Raw[:idx])
	}

	// Header/footer lines are never data, whatever words they contain.
	trimmed := strings.TrimSpace(e.Raw)
	if trimmed == "" || strings.HasPrefix(trimmed, "(") {
		return e
	}

	for _, m := range markers {
		if strings.Contains(e.Raw, m) {
			e.Marker = m
			break
		}
	}
	if e.Marker == "" {
		return e
	}

	tokens := strings.Fields(e.Raw)
	if len(tokens) < fieldOffset+len(e.Fields) {
		return e
	}
	copy(e.Fields[:], tokens[fieldOffset:fieldOffset+len(e.Fields)])
	e.Parsed = true

	return e
}

// Scanner reads a listing one entry at a time. It makes a single pass over
// its reader and preserves input order.
type Scanner struct {
	r     *bufio.Reader
	entry Entry
	err   error
	done  bool
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Scan advances to the next entry. It returns false at the end of the input
// or on a read error, which Err then reports.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}

	line, err := s.r.ReadString('\n')
	if err != nil {
		s.done = true
		if err != io.EOF {
			s.err = err
			return false
		}
		if line == "" {
			return false
		}
	}

	s.entry = ParseLine(line)
	return true
}

// Entry returns the entry read by the last call to Scan.
func (s *Scanner) Entry() Entry {
	return s.entry
}

// Err returns the first non-EOF read error.
func (s *Scanner) Err() error {
	return s.err
}
