package robots

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnforcerAllowed(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /admissions/private\nCrawl-delay: 2")
			fmt.Fprintln(w, "\nUser-agent: strict-bot\nDisallow: /")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEnforcer(time.Second, zap.NewNop())
	ctx := context.Background()

	require.True(t, e.Allowed(ctx, "campus-ingest", srv.URL+"/programs"))
	require.False(t, e.Allowed(ctx, "campus-ingest", srv.URL+"/admissions/private/list"))
	require.False(t, e.Allowed(ctx, "strict-bot", srv.URL+"/programs"))
	require.Equal(t, 2*time.Second, e.CrawlDelay(ctx, "campus-ingest", srv.URL+"/programs"))
	require.Equal(t, int32(1), robotsHits.Load())
}

func TestEnforcerConcurrentLoadsFetchOnce(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			time.Sleep(20 * time.Millisecond)
			fmt.Fprintln(w, "User-agent: *\nAllow: /")
		}
	}))
	defer srv.Close()

	e := NewEnforcer(time.Second, zap.NewNop())
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, e.Allowed(context.Background(), "bot", srv.URL+"/x"))
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), robotsHits.Load())
}

func TestEnforcerFailsOpen(t *testing.T) {
	t.Parallel()

	e := NewEnforcer(100*time.Millisecond, zap.NewNop())
	require.True(t, e.Allowed(context.Background(), "bot", "http://127.0.0.1:1/page"))
	require.False(t, e.Allowed(context.Background(), "bot", "::not a url"))

	var nilEnforcer *Enforcer
	require.True(t, nilEnforcer.Allowed(context.Background(), "bot", "https://example.edu"))
}

func TestEnforcerCachesFailedFetch(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	e := NewEnforcer(100*time.Millisecond, zap.NewNop())
	e.client.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})

	ctx := context.Background()
	require.True(t, e.Allowed(ctx, "bot", "https://down.example.edu/a"))
	require.True(t, e.Allowed(ctx, "bot", "https://down.example.edu/b"))
	require.Zero(t, e.CrawlDelay(ctx, "bot", "https://down.example.edu/c"))
	require.Equal(t, int32(1), calls.Load())

	require.True(t, e.Allowed(ctx, "bot", "https://other.example.edu/"))
	require.Equal(t, int32(2), calls.Load(), "cache is per host")
}

func TestEnforcerDoesNotCacheCanceledFetch(t *testing.T) {
	t.Parallel()

	e := NewEnforcer(time.Second, zap.NewNop())
	e.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if err := r.Context().Err(); err != nil {
			return nil, err
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("User-agent: *\nDisallow: /private\n")),
			Request:    r,
		}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, e.Allowed(ctx, "bot", "https://slow.example.edu/private"))
	require.False(t, e.Allowed(context.Background(), "bot", "https://slow.example.edu/private"))
}

func TestRetryTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	transport := &retryTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("net/http: tls: handshake timeout")
		}),
		backoff: []time.Duration{time.Millisecond, time.Millisecond},
	}
	req := httptest.NewRequest(http.MethodGet, "https://example.edu/robots.txt", nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Allow: /")
	require.Equal(t, int32(3), calls.Load())
}

func TestRetryTransportReturnsPermanentErrors(t *testing.T) {
	t.Parallel()

	transport := &retryTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		}),
		backoff: defaultBackoff,
	}
	_, err := transport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.edu/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
