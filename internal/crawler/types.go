package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RecordKind names the entity family a record belongs to.
type RecordKind string

// Supported record kinds.
const (
	KindInstitution RecordKind = "institution"
	KindProgram     RecordKind = "program"
	KindDeadline    RecordKind = "deadline"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []RecordKind{KindInstitution, KindProgram, KindDeadline}

// ParseKind canonicalizes a kind name.
func ParseKind(raw string) (RecordKind, error) {
	kind := RecordKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown record kind %q", raw)
	}
	return kind, nil
}

// Valid reports whether k is a supported kind.
func (k RecordKind) Valid() bool {
	switch k {
	case KindInstitution, KindProgram, KindDeadline:
		return true
	default:
		return false
	}
}

// Provenance records where and when a raw record was observed.
type Provenance struct {
	SourceID  string    `json:"source_id"`
	FetchedAt time.Time `json:"fetched_at"`
	OriginURL string    `json:"origin_url"`
}

// RawRecord is an untyped candidate emitted by an Extractor.
type RawRecord struct {
	Kind       RecordKind
	Fields     map[string]any
	Provenance Provenance
}

// Priority ranks deadlines.
type Priority string

// Deadline priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Entity is the typed payload of a validated record.
type Entity interface {
	Kind() RecordKind
	// IdentityParts returns the normalized fields that define identity, in a fixed order.
	IdentityParts() []string
	// Fields returns the column map handed to the destination store.
	Fields() map[string]any
}

// Institution is a validated institution.
type Institution struct {
	Name      string
	ShortName string
	State     string
}

// Kind implements Entity.
func (Institution) Kind() RecordKind { return KindInstitution }

// IdentityParts implements Entity.
func (i Institution) IdentityParts() []string {
	return []string{IdentityText(i.Name), IdentityText(i.State)}
}

// Fields implements Entity.
func (i Institution) Fields() map[string]any {
	return map[string]any{
		"name":       i.Name,
		"short_name": i.ShortName,
		"state":      i.State,
	}
}

// Program is a validated academic program.
type Program struct {
	Name           string
	InstitutionRef string
	DegreeType     string
}

// Kind implements Entity.
func (Program) Kind() RecordKind { return KindProgram }

// IdentityParts implements Entity.
func (p Program) IdentityParts() []string {
	return []string{IdentityText(p.Name), IdentityText(p.InstitutionRef)}
}

// Fields implements Entity.
func (p Program) Fields() map[string]any {
	return map[string]any{
		"name":            p.Name,
		"institution_ref": p.InstitutionRef,
		"degree_type":     p.DegreeType,
	}
}

// Deadline is a validated application deadline.
type Deadline struct {
	Title         string
	EndDate       time.Time
	Type          string
	Priority      Priority
	RelatedEntity string
}

// Kind implements Entity.
func (Deadline) Kind() RecordKind { return KindDeadline }

// IdentityParts implements Entity.
func (d Deadline) IdentityParts() []string {
	return []string{
		IdentityText(d.Title),
		d.EndDate.UTC().Format(DateLayout),
		IdentityText(d.RelatedEntity),
	}
}

// Fields implements Entity.
func (d Deadline) Fields() map[string]any {
	return map[string]any{
		"title":          d.Title,
		"end_date":       d.EndDate.UTC().Format(DateLayout),
		"type":           d.Type,
		"priority":       string(d.Priority),
		"related_entity": d.RelatedEntity,
	}
}

// DateLayout is the canonical calendar-date representation.
const DateLayout = "2006-01-02"

// ValidatedRecord is a record that satisfied its kind's schema.
type ValidatedRecord struct {
	Entity     Entity
	Provenance Provenance
}

// Kind returns the entity kind.
func (r ValidatedRecord) Kind() RecordKind {
	if r.Entity == nil {
		return ""
	}
	return r.Entity.Kind()
}

// Fingerprint is the hex identity digest of a validated record.
type Fingerprint string

// IdentityText lowercases, trims and collapses interior whitespace.
func IdentityText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// OutcomeStatus is the result class of a sync attempt.
type OutcomeStatus string

// Sync outcome values.
const (
	OutcomeInserted OutcomeStatus = "applied-insert"
	OutcomeUpdated  OutcomeStatus = "applied-update"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeFailed   OutcomeStatus = "failed"
)

// SyncOutcome reports what the sync stage did with one record.
type SyncOutcome struct {
	Status    OutcomeStatus
	Kind      RecordKind
	UniqueKey string
	Attempts  int
	Err       error
}

// Applied reports whether the destination store accepted the write.
func (o SyncOutcome) Applied() bool {
	return o.Status == OutcomeInserted || o.Status == OutcomeUpdated
}

// UpsertResult distinguishes inserts from updates.
type UpsertResult string

// Upsert results.
const (
	UpsertInserted UpsertResult = "inserted"
	UpsertUpdated  UpsertResult = "updated"
)

// StoredRecord is a row read back from the destination store.
type StoredRecord struct {
	Kind      RecordKind     `json:"kind"`
	UniqueKey string         `json:"unique_key"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values.
const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusSuccess  JobStatus = "success"
	JobStatusFailed   JobStatus = "failed"
	JobStatusTimedOut JobStatus = "timed-out"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusTimedOut
}

// JobCounters tracks per-job record and page outcomes.
type JobCounters struct {
	Extracted    int64 `json:"extracted"`
	Validated    int64 `json:"validated"`
	Rejected     int64 `json:"rejected"`
	Suppressed   int64 `json:"suppressed"`
	Inserted     int64 `json:"inserted"`
	Updated      int64 `json:"updated"`
	SyncRejected int64 `json:"sync_rejected"`
	SyncFailed   int64 `json:"sync_failed"`
	PagesFailed  int64 `json:"pages_failed"`
}

// Synced is the number of records the destination store accepted.
func (c JobCounters) Synced() int64 {
	return c.Inserted + c.Updated
}

// JobResult is the immutable terminal summary of one job.
type JobResult struct {
	JobID         string           `json:"job_id"`
	SourceID      string           `json:"source_id"`
	Status        JobStatus        `json:"status"`
	Counters      JobCounters      `json:"counters"`
	Duration      time.Duration    `json:"duration"`
	Error         string           `json:"error,omitempty"`
	RejectReasons map[string]int64 `json:"reject_reasons,omitempty"`
}

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	SourceID  string
	URL       string
	Method    string
	Headers   http.Header
	UserAgent string
	Render    bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	FetchedAt  time.Time
	FromCache  bool
	Rendered   bool
}
