package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"iptv-hub/work/client"
	"iptv-hub/work/types"
)

// probeReadBytes is how much of the body a GET fallback reads.
const probeReadBytes = 4096

// Doer is the subset of an HTTP client used for probing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Probe checks whether streamURL answers. It sends HEAD first and falls back
// to a GET that reads only the first bytes when the server rejects HEAD with
// 405 or 501. Any 2xx or 3xx answer counts as alive.
func Probe(ctx context.Context, hc Doer, streamURL string, timeout time.Duration) types.HealthResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	status, err := request(ctx, hc, http.MethodHead, streamURL)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = request(ctx, hc, http.MethodGet, streamURL)
	}

	result := types.HealthResult{
		ResponseTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		StatusCode:     status,
		CheckedAt:      time.Now(),
	}
	switch {
	case err != nil:
		result.ErrorReason = client.ClassifyError(err)
	case status >= 200 && status < 400:
		result.IsAlive = true
	default:
		result.ErrorReason = client.StatusReason(status)
	}
	return result
}

func request(ctx context.Context, hc Doer, method, streamURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, streamURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", method, err)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeReadBytes-1))
	}

	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if method == http.MethodGet {
		if _, err := io.CopyN(io.Discard, resp.Body, probeReadBytes); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("read body: %w", err)
		}
	}
	return resp.StatusCode, nil
}
