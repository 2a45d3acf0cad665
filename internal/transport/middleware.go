package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// authTransport adds an Authorization: Bearer header to every request.
type authTransport struct {
	token string
	next  http.RoundTripper
}

// WithAuth wraps a RoundTripper with bearer-token authorization. An empty
// token leaves requests untouched.
func WithAuth(token string, next http.RoundTripper) http.RoundTripper {
	return &authTransport{token: token, next: next}
}

func (a *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if a.token == "" {
		return a.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+a.token)
	return a.next.RoundTrip(req)
}

// loggingTransport logs request method/URL and response status.
type loggingTransport struct {
	logger *slog.Logger
	next   http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging.
func WithLogging(logger *slog.Logger, next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{logger: logger, next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		l.logger.Error("HTTP request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	l.logger.Debug("HTTP request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// StatusError is a non-200 answer from the report endpoint.
type StatusError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server's requested delay in seconds, zero if none.
	RetryAfter int
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("transport: %s (HTTP %d)", statusText(e.StatusCode), e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.RetryAfter)
	}
	return msg
}

func statusText(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "authentication failed"
	case code == http.StatusPaymentRequired:
		return "quota exceeded"
	case code == http.StatusGone:
		return "agent deprecated"
	case code == http.StatusTooManyRequests:
		return "rate limited"
	case code >= 500:
		return "server error"
	default:
		return "unexpected status"
	}
}

// drainAndClose reads remaining body bytes and closes, preventing connection leaks.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

// ParseResponse reads an HTTP response and returns the decoded result or a
// *StatusError.
func ParseResponse(resp *http.Response) (*model.ReportResponse, error) {
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusOK {
		var result model.ReportResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("transport: failed to decode 200 response: %w", err)
		}
		return &result, nil
	}

	se := &StatusError{StatusCode: resp.StatusCode}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			se.RetryAfter = secs
		}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var errResp model.ReportErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			se.Message = errResp.Message
			if se.RetryAfter == 0 && errResp.RetryAfterSeconds != nil && *errResp.RetryAfterSeconds > 0 {
				se.RetryAfter = *errResp.RetryAfterSeconds
			}
		}
	}
	return nil, se
}
