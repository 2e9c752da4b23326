// Package probe waits for a freshly started lab to answer HTTP requests.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultTimeout        = 10 * time.Second
	DefaultRequestTimeout = time.Second
)

// Prober polls a URL until it answers with a status below 500.
type Prober struct {
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
}

func New(interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client:   &http.Client{Timeout: DefaultRequestTimeout},
		interval: interval,
		timeout:  timeout,
	}
}

// LocalURL is the address a lab published on hostPort answers on.
func LocalURL(hostPort int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/", hostPort)
}

// WaitReady returns nil once url responds with a status in [200, 500).
// It returns models.ErrProbeTimeout when the deadline passes first.
func (p *Prober) WaitReady(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(backoff.NewConstantBackOff(p.interval), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", models.ErrProbeTimeout, url, p.timeout)
	}
	return fmt.Errorf("probe %s: %w", url, err)
}
