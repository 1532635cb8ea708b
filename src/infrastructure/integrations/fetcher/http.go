package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"webrag/src/core/knowledge"
	"webrag/src/infrastructure/log"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 10 << 20
	userAgent       = "webrag-fetcher/1.0"
)

// HTTPFetcher downloads a page for ingestion. The document ref is left empty;
// the caller assigns it.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

var _ knowledge.Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*knowledge.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &knowledge.ValidationError{Field: "source_url", Reason: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		log.Error(err, "failed to fetch source", "url", url)
		return nil, &knowledge.TransientError{Op: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, knowledge.ClassifyStatus("fetch", resp.StatusCode, retryAfter(resp), "source credentials",
			fmt.Errorf("GET %s returned %s", url, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &knowledge.TransientError{Op: "fetch", Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &knowledge.ValidationError{Field: "source_url", Reason: fmt.Sprintf("body exceeds %d bytes", f.maxBytes)}
	}

	log.Debug("fetched source", "url", url, "bytes", len(body))
	return &knowledge.Document{
		SourceURL:   url,
		ContentType: resp.Header.Get("Content-Type"),
		Text:        string(body),
	}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
