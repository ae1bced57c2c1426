package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-ingest/internal/crawler"
)

func htmlResponse(status int, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestShouldPromote(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("Admissions deadlines are listed below. ", 20)
	cases := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"empty body", htmlResponse(http.StatusOK, "  "), true},
		{"empty next mount", htmlResponse(http.StatusOK, `<body><div id="__next"></div><p>`+longText+`</p></body>`), true},
		{"filled mount", htmlResponse(http.StatusOK, `<body><div id="root"><p>`+longText+`</p></div></body>`), false},
		{"thin script shell", htmlResponse(http.StatusOK, `<body><script>load()</script><p>Loading</p></body>`), true},
		{"thin static page", htmlResponse(http.StatusOK, `<body><p>Closed for summer</p></body>`), false},
		{"text heavy with scripts", htmlResponse(http.StatusOK, `<body><script>x()</script><p>`+longText+`</p></body>`), false},
		{"error status", htmlResponse(http.StatusNotFound, ""), false},
		{"already rendered", crawler.FetchResponse{StatusCode: http.StatusOK, Rendered: true}, false},
		{"json payload", crawler.FetchResponse{
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": []string{"application/json"}},
			Body:       []byte(`{}`),
		}, false},
	}

	h := NewHeuristic(0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.resp))
		})
	}
}

func TestNewHeuristicDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultMinTextRunes, NewHeuristic(0).MinTextRunes)
	require.Equal(t, 50, NewHeuristic(50).MinTextRunes)
}
