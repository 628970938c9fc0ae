package guide

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/powere-ch/guide-cli/pkg/logger"
)

// Status reports whether the AI-guide service answered the liveness probe.
// An unreachable service disables sending until a later probe succeeds.
type Status struct {
	Reachable bool
	Err       error
}

// Ping probes GET /ping. Any transport error or non-2xx status marks the
// service unreachable.
func (c *Client) Ping(ctx context.Context) Status {
	log := logger.WithComponent("guide_ping")
	log.Debug().Str("base_url", c.baseURL).Msg("probing AI-guide service")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return Status{Reachable: false, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("cannot connect to AI-guide service")
		return Status{
			Reachable: false,
			Err:       fmt.Errorf("cannot connect to AI-guide at %s: %w", c.baseURL, err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Error().Int("status_code", resp.StatusCode).Msg("AI-guide returned non-OK status")
		return Status{
			Reachable: false,
			Err:       fmt.Errorf("AI-guide returned status %d", resp.StatusCode),
		}
	}

	log.Debug().Msg("AI-guide liveness probe succeeded")
	return Status{Reachable: true}
}

// PingWithTimeout probes the service with a bounded wait.
func (c *Client) PingWithTimeout(timeout time.Duration) Status {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Ping(ctx)
}
