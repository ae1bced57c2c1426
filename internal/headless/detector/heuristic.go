// Package detector decides when a plainly fetched page must be fetched again
// through the headless renderer.
package detector

import (
	"bytes"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

const defaultMinTextRunes = 200

// Heuristic promotes pages that arrive as a script shell with little text.
type Heuristic struct {
	// MinTextRunes is the visible-text floor below which a script-heavy page is promoted.
	MinTextRunes int
	// Markers are mount-point attributes left empty by client-side frameworks.
	Markers []string
}

// NewHeuristic creates a detector. A zero floor picks the default.
func NewHeuristic(minTextRunes int) *Heuristic {
	if minTextRunes <= 0 {
		minTextRunes = defaultMinTextRunes
	}
	return &Heuristic{
		MinTextRunes: minTextRunes,
		Markers:      []string{"#__next", "#root", "#app", "[data-reactroot]", "[ng-app]"},
	}
}

// ShouldPromote reports whether resp needs a rendered fetch. Only 200s that
// look like HTML are considered.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.Rendered {
		return false
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	scripts := doc.Find("script").Length()
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	thin := utf8.RuneCountInString(text) < h.MinTextRunes

	for _, marker := range h.Markers {
		mount := doc.Find(marker)
		if mount.Length() > 0 && strings.TrimSpace(mount.Text()) == "" {
			return true
		}
	}
	return thin && scripts > 0
}
