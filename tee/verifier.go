// Package tee implements the TEE Verifier (C2): the four-step signed
// telemetry round trip used as proof-of-life for a worker endpoint and as
// the source of truth for its worker_id/worker_version.
package tee

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// MaxAttempts and AttemptGap bound the verification retry loop: at most 3
// attempts, 5 seconds apart, returning nil on exhaustion.
const (
	MaxAttempts = 3
	AttemptGap  = 5 * time.Second
)

// Counters mirrors types.TelemetryCounters field-for-field, with the JSON
// tags of the wire format; the telemetry scorer converts.
type Counters struct {
	TwitterAuthErrors       int64 `json:"twitter_auth_errors"`
	TwitterErrors           int64 `json:"twitter_errors"`
	TwitterRatelimitErrors  int64 `json:"twitter_ratelimit_errors"`
	TwitterReturnedOther    int64 `json:"twitter_returned_other"`
	TwitterReturnedProfiles int64 `json:"twitter_returned_profiles"`
	TwitterReturnedTweets   int64 `json:"twitter_returned_tweets"`
	TwitterScrapes          int64 `json:"twitter_scrapes"`
	WebErrors               int64 `json:"web_errors"`
	WebSuccess              int64 `json:"web_success"`
}

// Result is the decoded telemetry object returned by leg 4 of the protocol.
type Result struct {
	WorkerId          string
	WorkerVersion     string
	BootTime          time.Time
	LastOperationTime time.Time
	CurrentTime       time.Time
	// Stats models the dynamic payload as a sum type: either legacy (an
	// old-format worker reporting counters directly) or by-worker (current
	// format, counters nested per source_worker_id).
	Stats StatsPayload
}

// StatsPayload is the sum type over the two shapes `stats` can take.
type StatsPayload struct {
	Legacy   *Counters
	ByWorker map[string]Counters
}

// IsLegacy reports whether the payload used the old flat-counters format,
// which aggregation treats as too old to count.
func (s StatsPayload) IsLegacy() bool { return s.Legacy != nil }

// HTTPDoer is the minimal surface the verifier needs, so tests can substitute
// a fake transport without spinning up TLS listeners.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Verifier executes the signed four-leg round trip against a worker/result
// host pair.
type Verifier struct {
	client HTTPDoer
	log    log.Logger
	sleep  func(time.Duration)
}

// New builds a Verifier. TLS verification is disabled — the
// endpoint is self-signed by design and integrity comes from the signed
// payloads, not TLS.
func New() *Verifier {
	return &Verifier{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // integrity is via signed payloads, not TLS.
			},
		},
		log:   log.New("component", "tee-verifier"),
		sleep: time.Sleep,
	}
}

// NewWithClient builds a Verifier over an injected HTTPDoer, for tests.
func NewWithClient(client HTTPDoer) *Verifier {
	return &Verifier{client: client, log: log.New("component", "tee-verifier"), sleep: func(time.Duration) {}}
}

// cleanSignature strips surrounding double-quotes and backslashes from a
// signature string before re-sending it.
func cleanSignature(s string) string {
	s = strings.Trim(s, "\"")
	s = strings.ReplaceAll(s, "\\", "")
	return s
}

// Verify runs the four-leg round trip. workerHost is where the job is
// queued and polled; resultHost decodes the job. On exhaustion of
// MaxAttempts it returns (nil, nil) — callers treat a nil result as
// verification failure.
func (v *Verifier) Verify(ctx context.Context, workerHost, resultHost string) (*Result, error) {
	if resultHost == "" {
		resultHost = workerHost
	}
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		result, err := v.attempt(ctx, workerHost, resultHost)
		if err == nil {
			return result, nil
		}
		lastErr = err
		v.log.Debug("tee verification attempt failed", "worker_host", workerHost, "attempt", attempt, "err", err)
		if attempt < MaxAttempts {
			v.sleep(AttemptGap)
		}
	}
	v.log.Warn("tee verification exhausted retries", "worker_host", workerHost, "result_host", resultHost, "err", lastErr)
	return nil, nil
}

func (v *Verifier) attempt(ctx context.Context, workerHost, resultHost string) (*Result, error) {
	sig, err := v.generateJob(ctx, resultHost)
	if err != nil {
		return nil, fmt.Errorf("generate job: %w", err)
	}
	sig = cleanSignature(sig)

	jobUUID, err := v.addJob(ctx, workerHost, sig)
	if err != nil {
		return nil, fmt.Errorf("add job: %w", err)
	}

	resultSig, err := v.jobStatus(ctx, workerHost, jobUUID)
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	resultSig = cleanSignature(resultSig)

	result, err := v.jobResult(ctx, resultHost, sig, resultSig)
	if err != nil {
		return nil, fmt.Errorf("job result: %w", err)
	}
	return result, nil
}

func (v *Verifier) generateJob(ctx context.Context, resultHost string) (string, error) {
	buf, err := json.Marshal(map[string]string{"type": "telemetry"})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resultHost+"/job/generate", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return v.doRaw(req)
}

func (v *Verifier) addJob(ctx context.Context, workerHost, sig string) (string, error) {
	var out struct {
		UID string `json:"uid"`
	}
	if err := v.postJSON(ctx, workerHost+"/job/add", map[string]string{"encrypted_job": sig}, &out); err != nil {
		return "", err
	}
	return out.UID, nil
}

func (v *Verifier) jobStatus(ctx context.Context, workerHost, jobUUID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerHost+"/job/status/"+jobUUID, nil)
	if err != nil {
		return "", err
	}
	return v.doRaw(req)
}

func (v *Verifier) jobResult(ctx context.Context, resultHost, sig, resultSig string) (*Result, error) {
	body := map[string]string{"encrypted_request": sig, "encrypted_result": resultSig}
	var raw struct {
		WorkerId          string                     `json:"worker_id"`
		WorkerVersion     string                     `json:"worker_version"`
		BootTime          float64                    `json:"boot_time"`
		LastOperationTime float64                    `json:"last_operation_time"`
		CurrentTime       float64                    `json:"current_time"`
		Stats             map[string]json.RawMessage `json:"stats"`
	}
	if err := v.postJSON(ctx, resultHost+"/job/result", body, &raw); err != nil {
		return nil, err
	}

	payload, err := decodeStats(raw.Stats)
	if err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	return &Result{
		WorkerId:          raw.WorkerId,
		WorkerVersion:     raw.WorkerVersion,
		BootTime:          time.Unix(int64(raw.BootTime), 0).UTC(),
		LastOperationTime: time.Unix(int64(raw.LastOperationTime), 0).UTC(),
		CurrentTime:       time.Unix(int64(raw.CurrentTime), 0).UTC(),
		Stats:             payload,
	}, nil
}

// decodeStats distinguishes the old-format payload (counters directly under
// stats) from the current by-worker nesting.
func decodeStats(raw map[string]json.RawMessage) (StatsPayload, error) {
	if len(raw) == 0 {
		return StatsPayload{}, nil
	}
	// Legacy detection: any value that is a JSON number (not an object)
	// means this is the flat counters-under-stats shape.
	for _, v := range raw {
		trimmed := bytes.TrimSpace(v)
		if len(trimmed) > 0 && trimmed[0] != '{' {
			var legacy Counters
			if err := json.Unmarshal(mapToObject(raw), &legacy); err != nil {
				return StatsPayload{}, err
			}
			return StatsPayload{Legacy: &legacy}, nil
		}
	}
	byWorker := make(map[string]Counters, len(raw))
	for workerID, v := range raw {
		var c Counters
		if err := json.Unmarshal(v, &c); err != nil {
			return StatsPayload{}, err
		}
		byWorker[workerID] = c
	}
	return StatsPayload{ByWorker: byWorker}, nil
}

func mapToObject(raw map[string]json.RawMessage) []byte {
	b, _ := json.Marshal(raw)
	return b
}

func (v *Verifier) postJSON(ctx context.Context, url string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return v.do(req, out)
}

// doRaw performs the request and returns the response body decoded as a
// bare string, for legs that return an opaque signature rather than a JSON
// object (spec §4.2 legs 1 and 3).
func (v *Verifier) doRaw(req *http.Request) (string, error) {
	resp, err := v.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return string(b), nil
}

func (v *Verifier) do(req *http.Request, out interface{}) error {
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
