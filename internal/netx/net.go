// Package netx has small HTTP helpers shared by the syncer and worker.
package netx

import (
	"context"
	"net/http"
	"time"
)

// probeTimeout bounds a single reachability check.
const probeTimeout = 5 * time.Second

// Reachable issues a HEAD request to url and reports whether the endpoint
// answered. Server errors (5xx) count as unreachable: a captive portal or
// broken proxy answering for the probe host must not flip us online.
func Reachable(ctx context.Context, client *http.Client, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
