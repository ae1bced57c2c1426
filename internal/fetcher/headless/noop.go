package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

// ErrUnavailable is returned when a source needs rendering but headless Chrome is disabled.
var ErrUnavailable = errors.New("headless rendering is disabled")

// Noop implements crawler.Fetcher for runs without a browser.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrUnavailable.
func (Noop) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrUnavailable
}
