// Command healthcheck checks a local enrollwatch instance for container
// HEALTHCHECK use. It exits 0 only when /api/v1/health answers 200 with
// status "ok", and reports the reason for any failure on stderr.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

const requestTimeout = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	url := healthURL(os.Getenv("ENROLLWATCH_LISTEN_ADDR"))
	if err := check(ctx, &http.Client{Timeout: requestTimeout}, url); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		return 1
	}
	return 0
}

// check requests url and requires a 200 response whose JSON status is "ok".
func check(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	var body struct {
		Status          string `json:"status"`
		PendingAttempts int    `json:"pending_attempts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		return fmt.Errorf("service %s (HTTP %d)", body.Status, resp.StatusCode)
	}
	return nil
}

// healthURL builds the health endpoint for the configured listen address. A
// wildcard or missing host is replaced by loopback, since the check runs inside
// the service's own container.
func healthURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil || port == "" {
		host, port = "127.0.0.1", "8080"
	}

	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}

	return "http://" + net.JoinHostPort(host, port) + "/api/v1/health"
}
