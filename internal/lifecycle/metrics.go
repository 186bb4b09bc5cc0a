package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PushgatewayCleaner purges a terminated runner's metrics series from the
// Prometheus pushgateway. Runners push metrics under their IP as the job
// name; without the purge, a recycled IP would resurrect stale series.
type PushgatewayCleaner struct {
	host   string
	client *http.Client
}

// NewPushgatewayCleaner creates a cleaner for the given pushgateway base
// URL. An empty host disables purging (Purge becomes a no-op).
func NewPushgatewayCleaner(host string) *PushgatewayCleaner {
	return &PushgatewayCleaner{
		host:   strings.TrimRight(host, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Purge deletes the metrics group for the runner's IP.
// 200 and 202 both mean the group is gone (202 is the async ack).
func (p *PushgatewayCleaner) Purge(ctx context.Context, runnerIP string) error {
	if p.host == "" || runnerIP == "" {
		return nil
	}

	url := fmt.Sprintf("%s/metrics/job/%s", p.host, runnerIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build pushgateway delete: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushgateway delete %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("pushgateway delete %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}
