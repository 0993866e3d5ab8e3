// Package registryclient talks to the central registry API that
// publishes the currently-active stat_name (worker-id) and worker_version
// the telemetry scorer filters against.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Cache TTLs: stat_name for 1h, worker_version for 10m.
const (
	StatNameTTL      = time.Hour
	WorkerVersionTTL = 10 * time.Minute
)

// Client fetches and caches the active stat_name/worker_version. On fetch
// failure it falls back to the last cached value; with no cached value ever,
// it returns an empty string. The telemetry scorer treats an empty stat_name
// as "accept all" and an empty worker_version as a mismatch (zeroed record).
type Client struct {
	baseURL string
	http    *http.Client
	log     log.Logger

	mu                sync.Mutex
	statName          string
	statNameFetchedAt time.Time
	workerVersion     string
	workerVerFetchedAt time.Time
}

// New builds a Client against baseURL (MASA_TEE_API).
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log.New("component", "registry-client"),
	}
}

// ActiveStatName returns the cached-or-fetched active stat_name. An empty
// result means "accept all".
func (c *Client) ActiveStatName(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.statNameFetchedAt) < StatNameTTL && c.statName != "" {
		return c.statName
	}
	var out struct {
		WorkerId string `json:"worker_id"`
	}
	if err := c.getJSON(ctx, "/worker-id", &out); err != nil {
		c.log.Warn("fetch active stat_name failed, falling back to cache", "err", err, "cached", c.statName)
		return c.statName
	}
	c.statName = out.WorkerId
	c.statNameFetchedAt = time.Now()
	return c.statName
}

// ActiveWorkerVersion returns the cached-or-fetched active worker_version.
func (c *Client) ActiveWorkerVersion(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.workerVerFetchedAt) < WorkerVersionTTL && c.workerVersion != "" {
		return c.workerVersion
	}
	var out struct {
		WorkerVersion string `json:"worker_version"`
	}
	if err := c.getJSON(ctx, "/tee-version", &out); err != nil {
		c.log.Warn("fetch active worker_version failed, falling back to cache", "err", err, "cached", c.workerVersion)
		return c.workerVersion
	}
	c.workerVersion = out.WorkerVersion
	c.workerVerFetchedAt = time.Now()
	return c.workerVersion
}

// RegisterTEE announces address to the central registry. Called by the node
// manager whenever an address is staged as unregistered this cycle, matching
// the original's add_unregistered_tee.
func (c *Client) RegisterTEE(ctx context.Context, address string) error {
	body, _ := json.Marshal(map[string]string{"address": address})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register-tee-worker", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("register tee %s: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register tee %s: unexpected status %d", address, resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
