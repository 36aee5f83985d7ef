// Package download implements the agent's binary artifact fetch: a
// streaming GET with SHA-1 verification, a bounded redirect chain, and a
// slow-transfer guard that aborts downloads whose data arrives too slowly.
package download

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/vinterra/ddiagent/internal/ddiconfig"
	"github.com/vinterra/ddiagent/internal/telemetry"
)

// SlowTransferWindow and SlowTransferMinRate define the stall guard: if the
// average throughput over the window falls below the minimum rate, the
// download is aborted. The guard is checked only when a read returns data,
// so a transfer that stops delivering bytes altogether is not aborted by it;
// such a transfer ends only when the HTTP client's own timeout fires.
const (
	SlowTransferWindow  = 60 * time.Second
	SlowTransferMinRate = 100 // bytes/sec
)

// progressReader wraps an io.Reader, reporting every read's byte count to
// reporter so the caller can track throughput without buffering the body.
// reporter may return a non-nil error to abort the transfer, which Read
// then surfaces to its caller instead of the underlying read's result.
type progressReader struct {
	r        io.Reader
	reporter func(n int) error
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 && pr.reporter != nil {
		if repErr := pr.reporter(n); repErr != nil {
			return n, repErr
		}
	}
	return n, err
}

// Result describes a completed download.
type Result struct {
	BytesWritten int64
	SHA1Hex      string
	Duration     time.Duration
}

// ErrSlowTransfer is returned when the stall guard aborts a download.
type ErrSlowTransfer struct {
	AvgBytesPerSec float64
}

func (e *ErrSlowTransfer) Error() string {
	return fmt.Sprintf("download: aborted, average throughput %.1f B/s below minimum", e.AvgBytesPerSec)
}

// ErrChecksumMismatch is returned when the computed SHA-1 does not match the
// artifact's advertised digest.
type ErrChecksumMismatch struct {
	Expected string
	Computed string
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("download: checksum mismatch: expected %s, computed %s", e.Expected, e.Computed)
}

// ProgressFunc is invoked periodically with the running average throughput,
// in bytes/sec, since the download began.
type ProgressFunc func(avgBytesPerSec float64)

// Download streams rawURL's body to destPath via httpClient, computing a
// running SHA-1 digest and reporting progress through onProgress. If
// expectedSHA1 is non-empty, a mismatch after the transfer completes
// returns *ErrChecksumMismatch but the file is still left in place for the
// caller to discard. authName/authValue, when non-empty, are set as a
// header on the request — the same Authorization header the transport
// client would send, since the bundle server may require it too.
func Download(ctx context.Context, httpClient *http.Client, rawURL, destPath, expectedSHA1 string, actionID string, authName, authValue string, onProgress ProgressFunc) (*Result, error) {
	tracer := telemetry.GetGlobalTracer()
	ctx, span := tracer.StartRequestSpan(ctx, telemetry.RequestSpanOptions{
		Method:   http.MethodGet,
		URL:      rawURL,
		ActionID: actionID,
		Kind:     "download",
	})
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		telemetry.RecordError(span, err, "transport")
		return nil, fmt.Errorf("download: build request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")
	req.Header.Set("User-Agent", ddiconfig.UserAgent)
	if authName != "" {
		req.Header.Set(authName, authValue)
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		telemetry.RecordError(span, err, "transport")
		return nil, fmt.Errorf("download: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
		telemetry.RecordError(span, err, "http_status")
		return nil, err
	}

	out, err := os.Create(destPath)
	if err != nil {
		telemetry.RecordError(span, err, "local_io")
		return nil, fmt.Errorf("download: create %s: %w", destPath, err)
	}
	defer out.Close()

	hasher := sha1.New()

	var totalBytes int64
	var windowBytes int64
	lastReport := start
	windowStart := start

	reporter := func(n int) error {
		atomic.AddInt64(&totalBytes, int64(n))
		atomic.AddInt64(&windowBytes, int64(n))

		now := time.Now()
		if now.Sub(lastReport) >= time.Second {
			elapsed := now.Sub(start).Seconds()
			if elapsed > 0 && onProgress != nil {
				onProgress(float64(atomic.LoadInt64(&totalBytes)) / elapsed)
			}
			lastReport = now
		}

		if now.Sub(windowStart) >= SlowTransferWindow {
			rate := float64(atomic.LoadInt64(&windowBytes)) / SlowTransferWindow.Seconds()
			windowStart = now
			atomic.StoreInt64(&windowBytes, 0)
			if rate < SlowTransferMinRate {
				return &ErrSlowTransfer{AvgBytesPerSec: rate}
			}
		}
		return nil
	}

	pr := &progressReader{r: io.TeeReader(resp.Body, hasher), reporter: reporter}

	written, copyErr := io.Copy(out, pr)
	duration := time.Since(start)

	if copyErr != nil {
		telemetry.RecordError(span, copyErr, "transport")
		return nil, copyErr
	}

	sum := hex.EncodeToString(hasher.Sum(nil))

	telemetry.GetGlobalMetrics().RecordDownload(ctx, written, duration.Seconds())

	result := &Result{BytesWritten: written, SHA1Hex: sum, Duration: duration}

	if expectedSHA1 != "" && expectedSHA1 != sum {
		return result, &ErrChecksumMismatch{Expected: expectedSHA1, Computed: sum}
	}

	return result, nil
}
