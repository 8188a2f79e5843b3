package testutil

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prilive-com/fortigo/fault"
)

// upstreamClient is shared by every GetOp callable. The overall timeout
// is a generous backstop only: the circuit breaker owns the per-request
// deadline race.
var upstreamClient = &http.Client{
	Timeout: 90 * time.Second,
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	},
}

// GetOp builds a callable that GETs url and returns the response body,
// mapping non-2xx statuses to fault.UpstreamError so retry
// classification sees the status code.
func GetOp(operation, url string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := upstreamClient.Do(req)
		if err != nil {
			return nil, fault.WrapUpstream(operation, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fault.WrapUpstream(operation, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fault.NewUpstreamError(operation, resp.StatusCode, string(body))
		}
		return body, nil
	}
}
