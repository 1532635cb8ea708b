package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webrag/src/core/knowledge"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><p>hello</p></body></html>"))
	}))
	defer server.Close()

	doc, err := NewHTTPFetcher(server.Client(), 0).Fetch(context.Background(), server.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/page", doc.SourceURL)
	assert.Equal(t, "text/html; charset=utf-8", doc.ContentType)
	assert.Contains(t, doc.Text, "hello")
	assert.Empty(t, doc.Ref)
}

func TestHTTPFetcher_StatusClasses(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := NewHTTPFetcher(server.Client(), 0).Fetch(context.Background(), server.URL)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, knowledge.IsRetryable(err))
		})
	}
}

func TestHTTPFetcher_RetryAfterHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewHTTPFetcher(server.Client(), 0).Fetch(context.Background(), server.URL)
	assert.Equal(t, 3*time.Second, knowledge.RetryAfter(err))
}

func TestHTTPFetcher_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	_, err := NewHTTPFetcher(server.Client(), 16).Fetch(context.Background(), server.URL)
	var validation *knowledge.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestHTTPFetcher_InvalidURL(t *testing.T) {
	_, err := NewHTTPFetcher(nil, 0).Fetch(context.Background(), "://nope")
	var validation *knowledge.ValidationError
	assert.ErrorAs(t, err, &validation)
}
