package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	r, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer r.Close()
	require.NotNil(t, r.slots)
	require.Equal(t, 500*time.Millisecond, r.cfg.Settle)
}

func TestRendererSlotsBlockUntilReleased(t *testing.T) {
	t.Parallel()

	r, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, r.acquire(ctx))
	r.release()
	require.NoError(t, r.acquire(context.Background()))
	r.release()
}

func TestRendererNavTimeoutDefault(t *testing.T) {
	t.Parallel()

	r := &Renderer{}
	require.Equal(t, defaultNavTimeout, r.navTimeout())
	r.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, r.navTimeout())
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	headers := toNetworkHeaders(http.Header{"X-Multi": {"a", "b"}, "X-One": {"c"}, "X-None": {}})
	require.Equal(t, []string{"a", "b"}, headers["X-Multi"])
	require.Equal(t, "c", headers["X-One"])
	_, ok := headers["X-None"]
	require.False(t, ok)
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.edu/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.edu/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.edu/app.js"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 404, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.edu/rendered", url)

	status, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestNoopRendererError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), crawler.FetchRequest{})
	require.ErrorIs(t, err, ErrUnavailable)
}
