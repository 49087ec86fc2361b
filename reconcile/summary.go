package reconcile

import (
	"time"

	"github.com/breez/data-mirror/retry"
)

// Mode is the state a scope was reconciled in.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeWindowed    Mode = "windowed"
)

// ItemFailure is a record that could not be reconciled in this run.
type ItemFailure struct {
	ID  string
	Op  string
	Err error
}

// ScopeResult reports the outcome of one scope.
type ScopeResult struct {
	Scope    string
	Mode     Mode
	Fetched  int
	Created  int
	Updated  int
	Deleted  int
	Skipped  int
	Failures []ItemFailure
	// Cursor is the cursor persisted at the end of the run, or the previous
	// one when the cursor did not advance.
	Cursor         string
	CursorAdvanced bool
	// Err is set when the scope could not be reconciled at all.
	Err      error
	Duration time.Duration
}

type Status int

const (
	StatusOK Status = iota
	StatusPartial
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPartial:
		return "partial"
	default:
		return "fatal"
	}
}

type Summary struct {
	Scopes []*ScopeResult
}

// Totals sums the counters of every scope.
func (s *Summary) Totals() ScopeResult {
	var total ScopeResult
	for _, r := range s.Scopes {
		if r == nil {
			continue
		}
		total.Fetched += r.Fetched
		total.Created += r.Created
		total.Updated += r.Updated
		total.Deleted += r.Deleted
		total.Skipped += r.Skipped
		total.Failures = append(total.Failures, r.Failures...)
		total.Duration += r.Duration
	}
	return total
}

// Status is fatal when any scope hit a fatal error, partial when any scope
// failed or had per-item failures, and ok otherwise.
func (s *Summary) Status() Status {
	status := StatusOK
	for _, r := range s.Scopes {
		if r == nil {
			continue
		}
		if r.Err != nil && retry.IsFatal(r.Err) {
			return StatusFatal
		}
		if r.Err != nil || len(r.Failures) > 0 {
			status = StatusPartial
		}
	}
	return status
}
