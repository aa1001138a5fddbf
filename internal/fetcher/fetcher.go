// Package fetcher performs the bounded HTTP GET the worker runs outside any
// database transaction, classifying every outcome into a retryable or
// terminal error code the caller can act on without inspecting Go error
// types.
package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var retryableHTTPStatuses = map[int]bool{
	429: true, 500: true, 501: true, 502: true, 503: true, 504: true,
}

func nonRetryable4xx(status int) bool {
	return status >= 400 && status < 500 && status != 408 && status != 429
}

// Result is the outcome of one Fetch call.
type Result struct {
	OK          bool
	FinalURL    string
	HTTPStatus  int // 0 when no response was received
	ContentType string
	Body        []byte
	ErrorCode   string
	ErrorDetail string
	Retryable   bool
}

// Fetcher performs bounded, optionally rate-limited HTTP GETs.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter // nil disables limiting
	userAgent string
	maxBytes  int64
}

// New builds a Fetcher. rps <= 0 disables rate limiting.
func New(connectTimeout, readTimeout time.Duration, maxBytes int64, userAgent string, rps float64) *Fetcher {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   connectTimeout + readTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		limiter:   limiter,
		userAgent: userAgent,
		maxBytes:  maxBytes,
	}
}

func shortDetail(msg string, limit int) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit-3] + "..."
}

func looksInvalid(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return true
	}
	return u.Host == ""
}

// Fetch retrieves rawURL, streaming the body so it can enforce the byte cap
// without buffering an unbounded response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Result {
	if looksInvalid(rawURL) {
		return Result{OK: false, ErrorCode: "invalid_url", ErrorDetail: "URL appears invalid. Please double-check it.", Retryable: false}
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return Result{OK: false, ErrorCode: "connection_error", ErrorDetail: shortDetail(err.Error(), 180), Retryable: true}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{OK: false, ErrorCode: "invalid_url", ErrorDetail: shortDetail(err.Error(), 180), Retryable: false}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Result{OK: false, ErrorCode: "timeout", ErrorDetail: shortDetail(err.Error(), 180), Retryable: true}
		}
		return Result{OK: false, ErrorCode: "connection_error", ErrorDetail: shortDetail(err.Error(), 180), Retryable: true}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	finalURL := resp.Request.URL.String()
	ctype := resp.Header.Get("Content-Type")

	switch {
	case retryableHTTPStatuses[status]:
		return Result{OK: false, FinalURL: finalURL, HTTPStatus: status, ContentType: ctype,
			ErrorCode: httpErrorCode(status), ErrorDetail: "Upstream returned an error status.", Retryable: true}
	case nonRetryable4xx(status):
		return Result{OK: false, FinalURL: finalURL, HTTPStatus: status, ContentType: ctype,
			ErrorCode: httpErrorCode(status), ErrorDetail: "Upstream returned an error status.", Retryable: false}
	case status == 408:
		return Result{OK: false, FinalURL: finalURL, HTTPStatus: status, ContentType: ctype,
			ErrorCode: "timeout", ErrorDetail: "Request timed out.", Retryable: true}
	}

	lower := strings.ToLower(ctype)
	if ctype != "" && !strings.Contains(lower, "text/html") && !strings.Contains(lower, "application/xhtml+xml") {
		return Result{OK: false, FinalURL: finalURL, HTTPStatus: status, ContentType: ctype,
			ErrorCode: "non_html", ErrorDetail: "Link does not look like an HTML page.", Retryable: false}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Result{OK: false, FinalURL: finalURL, HTTPStatus: status, ContentType: ctype,
			ErrorCode: "connection_error", ErrorDetail: shortDetail(err.Error(), 180), Retryable: true}
	}
	if int64(len(body)) > f.maxBytes {
		return Result{OK: false, FinalURL: finalURL, HTTPStatus: status, ContentType: ctype,
			ErrorCode: "max_bytes_exceeded", ErrorDetail: "Page is too large to process.", Retryable: false}
	}

	return Result{OK: true, FinalURL: finalURL, HTTPStatus: status, ContentType: ctype, Body: body}
}

func httpErrorCode(status int) string {
	codes := map[int]string{
		400: "http_400", 401: "http_401", 403: "http_403", 404: "http_404",
		429: "http_429", 500: "http_500", 501: "http_501", 502: "http_502",
		503: "http_503", 504: "http_504",
	}
	if c, ok := codes[status]; ok {
		return c
	}
	return "http_" + strconv.Itoa(status)
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
