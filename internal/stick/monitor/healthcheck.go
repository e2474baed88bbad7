package monitor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/helmworks/steadystick/internal/httputil"
)

// HealthStatus is the decoded /health payload.
type HealthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// CheckHealth polls a running daemon's /health endpoint and returns its
// status, or an error unless the service reports ok. The 'stickd
// healthcheck' subcommand wraps this so container health probes need no
// curl in the image.
func CheckHealth(client httputil.HTTPClient, url string) (*HealthStatus, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}

	var hs HealthStatus
	if err := json.Unmarshal(body, &hs); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	if hs.Status != "ok" {
		return &hs, fmt.Errorf("service reports status %q", hs.Status)
	}
	return &hs, nil
}
