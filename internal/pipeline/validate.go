package pipeline

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// Field bounds, in runes.
const (
	minNameLen     = 2
	maxNameLen     = 200
	minTitleLen    = 3
	maxTitleLen    = 200
	maxShortLen    = 50
	maxFreeTextLen = 100
)

var dateLayouts = []string{
	crawler.DateLayout,
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"Monday, January 2, 2006",
}

// Validator enforces the per-kind schema on raw records.
type Validator struct{}

// NewValidator returns a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns a typed record or the reason it was rejected. It never
// returns a partially populated record.
func (v *Validator) Validate(raw crawler.RawRecord) (crawler.ValidatedRecord, *crawler.Rejection) {
	var (
		entity crawler.Entity
		reason string
	)
	switch raw.Kind {
	case crawler.KindInstitution:
		entity, reason = validateInstitution(raw.Fields)
	case crawler.KindProgram:
		entity, reason = validateProgram(raw.Fields)
	case crawler.KindDeadline:
		entity, reason = validateDeadline(raw.Fields)
	default:
		return crawler.ValidatedRecord{}, &crawler.Rejection{Kind: raw.Kind, Reason: "unknown kind"}
	}
	if reason != "" {
		return crawler.ValidatedRecord{}, &crawler.Rejection{Kind: raw.Kind, Reason: reason}
	}
	return crawler.ValidatedRecord{Entity: entity, Provenance: raw.Provenance}, nil
}

func validateInstitution(fields map[string]any) (crawler.Entity, string) {
	name, reason := required(fields, "name", minNameLen, maxNameLen)
	if reason != "" {
		return nil, reason
	}
	shortName, reason := optional(fields, "short_name", maxShortLen)
	if reason != "" {
		return nil, reason
	}
	state, reason := optional(fields, "state", maxShortLen)
	if reason != "" {
		return nil, reason
	}
	if utf8.RuneCountInString(state) == 2 {
		state = strings.ToUpper(state)
	}
	return crawler.Institution{Name: name, ShortName: shortName, State: state}, ""
}

func validateProgram(fields map[string]any) (crawler.Entity, string) {
	name, reason := required(fields, "name", minNameLen, maxNameLen)
	if reason != "" {
		return nil, reason
	}
	ref, reason := required(fields, "institution_ref", minNameLen, maxNameLen)
	if reason != "" {
		return nil, reason
	}
	degree, reason := optional(fields, "degree_type", maxFreeTextLen)
	if reason != "" {
		return nil, reason
	}
	return crawler.Program{Name: name, InstitutionRef: ref, DegreeType: degree}, ""
}

func validateDeadline(fields map[string]any) (crawler.Entity, string) {
	title, reason := required(fields, "title", minTitleLen, maxTitleLen)
	if reason != "" {
		return nil, reason
	}
	end, reason := requiredDate(fields, "end_date")
	if reason != "" {
		return nil, reason
	}
	kind, reason := optional(fields, "type", maxFreeTextLen)
	if reason != "" {
		return nil, reason
	}
	priority, reason := parsePriority(fields["priority"])
	if reason != "" {
		return nil, reason
	}
	related, reason := optional(fields, "related_entity", maxNameLen)
	if reason != "" {
		return nil, reason
	}
	return crawler.Deadline{
		Title:         title,
		EndDate:       end,
		Type:          strings.ToLower(kind),
		Priority:      priority,
		RelatedEntity: related,
	}, ""
}

func required(fields map[string]any, name string, minLen, maxLen int) (string, string) {
	value := text(fields[name])
	if value == "" {
		return "", "missing required field: " + name
	}
	if n := utf8.RuneCountInString(value); n < minLen || n > maxLen {
		return "", fmt.Sprintf("%s length must be %d-%d", name, minLen, maxLen)
	}
	return value, ""
}

func optional(fields map[string]any, name string, maxLen int) (string, string) {
	value := text(fields[name])
	if utf8.RuneCountInString(value) > maxLen {
		return "", fmt.Sprintf("%s longer than %d", name, maxLen)
	}
	return value, ""
}

func requiredDate(fields map[string]any, name string) (time.Time, string) {
	switch v := fields[name].(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, "missing required field: " + name
		}
		return calendarDate(v), ""
	case *time.Time:
		if v == nil || v.IsZero() {
			return time.Time{}, "missing required field: " + name
		}
		return calendarDate(*v), ""
	}
	value := text(fields[name])
	if value == "" {
		return time.Time{}, "missing required field: " + name
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return calendarDate(t), ""
		}
	}
	return time.Time{}, "unparseable " + name
}

func parsePriority(raw any) (crawler.Priority, string) {
	value := strings.ToLower(text(raw))
	switch crawler.Priority(value) {
	case "":
		return crawler.PriorityMedium, ""
	case crawler.PriorityHigh, crawler.PriorityMedium, crawler.PriorityLow:
		return crawler.Priority(value), ""
	default:
		return "", "priority must be one of high, medium, low"
	}
}

// text renders a field as trimmed single-spaced text; nil becomes "".
func text(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s = t
	case []byte:
		s = string(t)
	case fmt.Stringer:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	return strings.Join(strings.Fields(s), " ")
}

func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
