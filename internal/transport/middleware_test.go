package transport

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithAuth_SetsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token-xyz" {
			t.Errorf("expected Authorization 'Bearer test-token-xyz', got %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: WithAuth("test-token-xyz", http.DefaultTransport)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
}

func TestWithAuth_EmptyTokenOmitsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("expected no Authorization header, got %q", got)
		}
	}))
	defer srv.Close()

	client := &http.Client{Transport: WithAuth("", http.DefaultTransport)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
}

func TestWithLogging_LogsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := &http.Client{Transport: WithLogging(logger, http.DefaultTransport)}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	out := buf.String()
	if !strings.Contains(out, `"status":202`) {
		t.Fatalf("expected status in log output, got %s", out)
	}
	if !strings.Contains(out, `"method":"GET"`) {
		t.Fatalf("expected method in log output, got %s", out)
	}
}

func response(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestParseResponse_200(t *testing.T) {
	resp := response(http.StatusOK, `{"success":true,"message":"ok","node_id":"n1","received_at":1700000000,"directives":{"next_report_in_seconds":45}}`, nil)

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.NodeID != "n1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Directives.NextReportInSeconds != 45 {
		t.Fatalf("expected 45, got %d", result.Directives.NextReportInSeconds)
	}
}

func TestParseResponse_200_BadJSON(t *testing.T) {
	if _, err := ParseResponse(response(http.StatusOK, "not json", nil)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseResponse_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		header     http.Header
		wantText   string
		wantRetry  int
		wantReason string
	}{
		{name: "401", status: 401, wantText: "authentication failed"},
		{name: "403", status: 403, wantText: "authentication failed"},
		{
			name:       "402 with body",
			status:     402,
			body:       `{"success":false,"error":"quota","message":"GPU limit reached","retry_after_seconds":600}`,
			wantText:   "quota exceeded",
			wantRetry:  600,
			wantReason: "GPU limit reached",
		},
		{name: "410", status: 410, wantText: "agent deprecated"},
		{
			name:      "429 header wins",
			status:    429,
			body:      `{"retry_after_seconds":90}`,
			header:    http.Header{"Retry-After": []string{"15"}},
			wantText:  "rate limited",
			wantRetry: 15,
		},
		{name: "503", status: 503, body: "overloaded", wantText: "server error"},
		{name: "418", status: 418, wantText: "unexpected status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(response(tt.status, tt.body, tt.header))
			se, ok := err.(*StatusError)
			if !ok {
				t.Fatalf("expected *StatusError, got %T (%v)", err, err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("status: want %d, got %d", tt.status, se.StatusCode)
			}
			if !strings.Contains(se.Error(), tt.wantText) {
				t.Errorf("error %q does not mention %q", se.Error(), tt.wantText)
			}
			if se.RetryAfter != tt.wantRetry {
				t.Errorf("retry after: want %d, got %d", tt.wantRetry, se.RetryAfter)
			}
			if se.Message != tt.wantReason {
				t.Errorf("message: want %q, got %q", tt.wantReason, se.Message)
			}
		})
	}
}
