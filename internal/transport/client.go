package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/config"
	agenterrors "github.com/kubeadapt/kubeadapt-gpu-agent/internal/errors"
	"github.com/kubeadapt/kubeadapt-gpu-agent/internal/observability"
	"github.com/kubeadapt/kubeadapt-gpu-agent/pkg/model"
)

// ReportPath is appended to the configured report URL.
const ReportPath = "/api/v1/gpu/reports"

// Client sends FleetReports to the report endpoint over HTTP with streaming
// zstd compression. It never buffers the full JSON payload in memory.
type Client struct {
	httpClient     *http.Client
	config         *config.Config
	metrics        *observability.Metrics
	errorCollector *agenterrors.ErrorCollector
	backoff        func(attempt int) time.Duration
}

// NewClient creates a transport Client with middleware applied.
// Retry is handled at the Send level (not the RoundTripper) because
// the streaming io.Pipe body must be re-created on each attempt.
func NewClient(cfg *config.Config, metrics *observability.Metrics, errCollector *agenterrors.ErrorCollector) *Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: WithAuth(cfg.APIKey, WithLogging(slog.Default(), base)),
		},
		config:         cfg,
		metrics:        metrics,
		errorCollector: errCollector,
		backoff:        exponentialBackoff,
	}
}

// Send streams a FleetReport to the endpoint using io.Pipe + zstd compression.
// It re-creates the io.Pipe on each retry attempt since a pipe can only be consumed once.
func (c *Client) Send(ctx context.Context, report *model.FleetReport) (*model.ReportResponse, error) {
	start := time.Now()

	var result *model.ReportResponse
	var compressedBytes int64
	var lastErr error

	maxAttempts := c.config.MaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.TransportRetries.Inc()
			}
			if err := sleepCtx(ctx, c.backoff(attempt-1)); err != nil {
				lastErr = fmt.Errorf("transport: context canceled before attempt %d: %w", attempt+1, err)
				break
			}
		}

		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("transport: context canceled before attempt %d: %w", attempt+1, err)
			break
		}

		resp, n, err := c.doSend(ctx, report)
		compressedBytes = n
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				break
			}
			continue
		}

		result = resp
		lastErr = nil
		break
	}

	elapsed := time.Since(start)

	if c.metrics != nil {
		c.metrics.ReportSendDuration.Observe(elapsed.Seconds())
		if compressedBytes > 0 {
			c.metrics.ReportSizeBytes.WithLabelValues("compressed").Observe(float64(compressedBytes))
		}
		if lastErr != nil {
			c.metrics.ReportSendTotal.WithLabelValues("error").Inc()
		} else {
			c.metrics.ReportSendTotal.WithLabelValues("success").Inc()
		}
	}

	if lastErr != nil {
		if c.errorCollector != nil {
			c.errorCollector.Report(*agenterrors.Wrap(agenterrors.ErrBackendUnreachable, "transport", lastErr, "report send failed"))
		}
		return nil, lastErr
	}

	return result, nil
}

// doSend performs a single HTTP POST with streaming compression.
// Each call creates a fresh io.Pipe so it can be called multiple times for retries.
func (c *Client) doSend(ctx context.Context, report *model.FleetReport) (*model.ReportResponse, int64, error) {
	pr, pw := io.Pipe()
	cw := &countingWriter{w: pw}

	zw, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = pw.Close()
		return nil, 0, fmt.Errorf("transport: failed to create zstd encoder: %w", err)
	}

	go func() {
		start := time.Now()
		raw := &countingWriter{w: zw}
		encodeErr := json.NewEncoder(raw).Encode(report)
		// Close zstd first to flush, then close the pipe.
		closeErr := zw.Close()
		if encodeErr == nil && closeErr == nil {
			c.observeCompression(raw.Count(), cw.Count(), time.Since(start))
		}
		switch {
		case encodeErr != nil:
			pw.CloseWithError(fmt.Errorf("transport: JSON encode failed: %w", encodeErr))
		case closeErr != nil:
			pw.CloseWithError(fmt.Errorf("transport: zstd close failed: %w", closeErr))
		default:
			_ = pw.Close()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ReportURL+ReportPath, pr)
	if err != nil {
		_ = pr.Close()
		return nil, 0, fmt.Errorf("transport: failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "zstd")
	req.Header.Set("X-Node-ID", c.config.NodeID)
	req.Header.Set("X-Agent-Version", c.config.AgentVersion)
	req.Header.Set("X-Report-ID", report.ReportID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return nil, cw.Count(), fmt.Errorf("transport: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	result, err := ParseResponse(resp)
	if err != nil {
		return nil, cw.Count(), err
	}
	return result, cw.Count(), nil
}

func (c *Client) observeCompression(rawBytes, compressedBytes int64, elapsed time.Duration) {
	if c.metrics == nil || rawBytes == 0 {
		return
	}
	c.metrics.ReportSizeBytes.WithLabelValues("uncompressed").Observe(float64(rawBytes))
	c.metrics.CompressionRatio.Set(float64(compressedBytes) / float64(rawBytes))
	c.metrics.CompressionDuration.Observe(elapsed.Seconds())
}

// IsRetryable reports whether a send error is worth another attempt.
// Rejections that a retry cannot fix are not.
func IsRetryable(err error) bool {
	var se *StatusError
	if !stderrors.As(err, &se) {
		return true
	}
	return se.StatusCode >= 500
}

func exponentialBackoff(attempt int) time.Duration {
	return time.Second << min(attempt, 6)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// countingWriter tracks compressed bytes written into the pipe. Count may be
// read while writes are in progress.
type countingWriter struct {
	w     io.Writer
	count atomic.Int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.count.Add(int64(n))
	return n, err
}

func (cw *countingWriter) Count() int64 {
	return cw.count.Load()
}
