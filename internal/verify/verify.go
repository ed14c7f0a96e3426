// Package verify checks the server an agent built: a readiness poll, and
// a Postman collection run by newman in a one-shot container.
package verify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultBaseURL       = "http://localhost:5000"
	DefaultReadyTimeout  = 90 * time.Second
	DefaultReadyInterval = 500 * time.Millisecond

	requestTimeout = 2 * time.Second
)

// WaitForServer polls url until it answers 200 OK. It returns an error once
// timeout has passed or ctx is done.
func WaitForServer(ctx context.Context, url string, timeout, interval time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if interval <= 0 {
		interval = DefaultReadyInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: requestTimeout}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := getOK(ctx, client, url)
		if ok {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("server at %s not ready after %s: %w", url, timeout, lastErr)
			}
			return fmt.Errorf("server at %s not ready after %s", url, timeout)
		case <-ticker.C:
		}
	}
}

func getOK(ctx context.Context, client *http.Client, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	return true, nil
}
