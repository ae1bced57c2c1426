package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrDisallowed marks a URL excluded by the source's robots directives.
	ErrDisallowed = errors.New("disallowed by robots.txt")
	// ErrTransient classifies store failures worth retrying.
	ErrTransient = errors.New("transient store error")
	// ErrConflict classifies store failures that retrying cannot fix.
	ErrConflict = errors.New("store conflict")
	// ErrJobTimeout marks a job that exceeded its wall-clock budget.
	ErrJobTimeout = errors.New("job timed out")
	// ErrNotFound is returned when a lookup has no result.
	ErrNotFound = errors.New("not found")
)

// FetchScope tells the pipeline how far a fetch failure reaches.
type FetchScope string

// Fetch failure scopes.
const (
	ScopePage   FetchScope = "page"
	ScopeSource FetchScope = "source"
)

// FetchError reports a failed page fetch or parse.
type FetchError struct {
	SourceID   string
	URL        string
	StatusCode int
	Scope      FetchScope
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetch %s (%s): status %d", e.Scope, e.URL, e.SourceID, e.StatusCode)
	}
	return fmt.Sprintf("%s fetch %s (%s): %v", e.Scope, e.URL, e.SourceID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fatal reports whether the failure aborts the whole source.
func (e *FetchError) Fatal() bool { return e.Scope == ScopeSource }

// Rejection is a non-fatal schema violation found by the validator.
type Rejection struct {
	Kind   RecordKind
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected: %s", r.Kind, r.Reason)
}

// JobCrash is an unexpected panic recovered from a job.
type JobCrash struct {
	Value any
	Stack []byte
}

func (c *JobCrash) Error() string {
	return fmt.Sprintf("job crashed: %v", c.Value)
}

type classified struct {
	class error
	err   error
}

func (c classified) Error() string   { return c.err.Error() }
func (c classified) Unwrap() []error { return []error{c.class, c.err} }

// Transient tags err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return classified{class: ErrTransient, err: err}
}

// Conflict tags err as a non-retryable constraint violation.
func Conflict(err error) error {
	if err == nil {
		return nil
	}
	return classified{class: ErrConflict, err: err}
}

// IsTransient reports whether err was tagged by Transient.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsConflict reports whether err was tagged by Conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
