package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newFetcher() *Fetcher {
	return New(2*time.Second, 2*time.Second, 1000, "test-agent", 0)
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	res := newFetcher().Fetch(context.Background(), srv.URL)
	if !res.OK {
		t.Fatalf("expected ok, got error_code=%s detail=%s", res.ErrorCode, res.ErrorDetail)
	}
	if !strings.Contains(string(res.Body), "hello") {
		t.Fatalf("unexpected body: %s", res.Body)
	}
}

func TestFetchRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	res := newFetcher().Fetch(context.Background(), srv.URL)
	if res.OK || !res.Retryable || res.ErrorCode != "http_503" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetchNonRetryable4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer srv.Close()

	res := newFetcher().Fetch(context.Background(), srv.URL)
	if res.OK || res.Retryable || res.ErrorCode != "http_404" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetch408TreatedAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(408)
	}))
	defer srv.Close()

	res := newFetcher().Fetch(context.Background(), srv.URL)
	if res.OK || !res.Retryable || res.ErrorCode != "timeout" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetchNonHTMLContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	res := newFetcher().Fetch(context.Background(), srv.URL)
	if res.OK || res.Retryable || res.ErrorCode != "non_html" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetchMaxBytesExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write(make([]byte, 5000))
	}))
	defer srv.Close()

	res := newFetcher().Fetch(context.Background(), srv.URL)
	if res.OK || res.Retryable || res.ErrorCode != "max_bytes_exceeded" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetchInvalidURL(t *testing.T) {
	res := newFetcher().Fetch(context.Background(), "not-a-url")
	if res.OK || res.Retryable || res.ErrorCode != "invalid_url" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetchConnectionError(t *testing.T) {
	res := newFetcher().Fetch(context.Background(), "http://127.0.0.1:1")
	if res.OK || res.ErrorCode != "connection_error" || !res.Retryable {
		t.Fatalf("unexpected result: %+v", res)
	}
}
