package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a fatal restore error.
type ErrorKind int

// Error kinds. ErrConfigUnavailable is only raised by the pgbouncer and SSH
// collaborators, never by the restore pipeline itself.
const (
	ErrConnectionFailed ErrorKind = iota + 1
	ErrDatabaseCreateFailed
	ErrSchemaCreateFailed
	ErrCatalogListFailed
	ErrRestoreFailed
	ErrConfigUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConnectionFailed:
		return "ConnectionFailed"
	case ErrDatabaseCreateFailed:
		return "DatabaseCreateFailed"
	case ErrSchemaCreateFailed:
		return "SchemaCreateFailed"
	case ErrCatalogListFailed:
		return "CatalogListFailed"
	case ErrRestoreFailed:
		return "RestoreFailed"
	case ErrConfigUnavailable:
		return "ConfigUnavailable"
	default:
		return "Unknown"
	}
}

// StagingError is a fatal error carrying enough context for an operator to
// re-run the failing step by hand.
type StagingError struct {
	Kind     ErrorKind
	Target   string // host:port/dbname or remote file
	Command  string // equivalent command line
	ExitCode int    // subprocess exit code, 0 if not applicable
	Detail   string // captured stderr or server message
	Err      error
}

// Error implements the error interface.
func (e *StagingError) Error() string {
	var b strings.Builder

	b.WriteString(e.Kind.String())
	if e.Target != "" {
		fmt.Fprintf(&b, " (%s)", e.Target)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.ExitCode != 0 && e.Err == nil {
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if detail := strings.TrimSpace(e.Detail); detail != "" {
		fmt.Fprintf(&b, "\ndetail: %s", detail)
	}
	if e.Command != "" {
		fmt.Fprintf(&b, "\nhint: following command might help to debug:\n  %s", e.Command)
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *StagingError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first StagingError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *StagingError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}
