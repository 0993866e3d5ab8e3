package telemetryscorer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattdev071/subnet-42/registryclient"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/tee"
	"github.com/mattdev071/subnet-42/types"
)

func hotkeyAt(b byte) types.Hotkey {
	var hk types.Hotkey
	for i := range hk {
		hk[i] = b
	}
	return hk
}

func newTestStores(t *testing.T) (*routing.Table, *store.TelemetryStore, *store.ErrorStore) {
	t.Helper()
	dir := t.TempDir()
	rs, err := store.OpenRoutingStore(filepath.Join(dir, "routing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	ts, err := store.OpenTelemetryStore(filepath.Join(dir, "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	es, err := store.OpenErrorStore(filepath.Join(dir, "errors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return routing.New(rs), ts, es
}

// fakeDoer answers tee-protocol requests by path, independent of host, so a
// candidate address can satisfy types.NewTEEAddress's https/non-local checks
// while the test stays fully in-memory.
type fakeDoer struct {
	statsBody string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	switch req.URL.Path {
	case "/job/generate":
		body = []byte(`"signed-job"`)
	case "/job/add":
		body, _ = json.Marshal(map[string]string{"uid": "job-1"})
	case "/job/status/job-1":
		body = []byte(`"signed-result"`)
	case "/job/result":
		body = []byte(f.statsBody)
	default:
		return &http.Response{StatusCode: http.StatusNotFound, Body: http.NoBody}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func registryServer(t *testing.T, workerID, workerVersion string) *registryclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/worker-id":
			json.NewEncoder(w).Encode(map[string]string{"worker_id": workerID})
		case "/tee-version":
			json.NewEncoder(w).Encode(map[string]string{"worker_version": workerVersion})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return registryclient.New(srv.URL)
}

func TestRunAggregatesMatchingWorkerAndStatName(t *testing.T) {
	rt, ts, es := newTestStores(t)
	hk := hotkeyAt(0x01)
	require.NoError(t, rt.AddMinerAddress(hk, 5, "https://tee.example.com", "worker-1"))

	v := tee.NewWithClient(&fakeDoer{statsBody: `{
		"worker_id": "worker-1",
		"worker_version": "1.2.3",
		"boot_time": 1,
		"last_operation_time": 2,
		"current_time": 3,
		"stats": {"worker-1": {"twitter_returned_tweets": 9, "twitter_scrapes": 4}}
	}`})
	reg := registryServer(t, "worker-1", "1.2.3")

	s := New(rt, v, reg, ts, es, "")
	require.NoError(t, s.Run(context.Background()))

	recs, err := ts.AllForHotkey(hk)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(9), recs[0].Counters.TwitterReturnedTweets)
	require.Equal(t, int64(4), recs[0].Counters.TwitterScrapes)
}

func TestRunSumsAllWorkerKeysWhenStatNameUnset(t *testing.T) {
	rt, ts, es := newTestStores(t)
	hk := hotkeyAt(0x05)
	require.NoError(t, rt.AddMinerAddress(hk, 7, "https://tee5.example.com", "worker-5"))

	v := tee.NewWithClient(&fakeDoer{statsBody: `{
		"worker_id": "worker-5",
		"worker_version": "1.2.3",
		"boot_time": 1,
		"last_operation_time": 2,
		"current_time": 3,
		"stats": {
			"worker-5": {"twitter_returned_tweets": 9, "twitter_scrapes": 4},
			"worker-6": {"twitter_returned_tweets": 1, "twitter_scrapes": 2}
		}
	}`})
	// registry reports no active worker_id, so ActiveStatName returns "" ("accept all").
	reg := registryServer(t, "", "1.2.3")

	s := New(rt, v, reg, ts, es, "")
	require.NoError(t, s.Run(context.Background()))

	recs, err := ts.AllForHotkey(hk)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(10), recs[0].Counters.TwitterReturnedTweets)
	require.Equal(t, int64(6), recs[0].Counters.TwitterScrapes)
}

func TestRunZerosRecordOnWorkerVersionMismatch(t *testing.T) {
	rt, ts, es := newTestStores(t)
	hk := hotkeyAt(0x02)
	require.NoError(t, rt.AddMinerAddress(hk, 1, "https://tee2.example.com", "worker-2"))

	v := tee.NewWithClient(&fakeDoer{statsBody: `{
		"worker_id": "worker-2",
		"worker_version": "0.9.0",
		"boot_time": 1,
		"last_operation_time": 2,
		"current_time": 3,
		"stats": {"worker-2": {"twitter_returned_tweets": 9}}
	}`})
	reg := registryServer(t, "worker-2", "1.2.3")

	s := New(rt, v, reg, ts, es, "")
	require.NoError(t, s.Run(context.Background()))

	recs, err := ts.AllForHotkey(hk)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Zero(t, recs[0].Counters.TwitterReturnedTweets)
}

func TestRunZerosRecordOnLegacyPayload(t *testing.T) {
	rt, ts, es := newTestStores(t)
	hk := hotkeyAt(0x03)
	require.NoError(t, rt.AddMinerAddress(hk, 1, "https://tee3.example.com", "worker-3"))

	v := tee.NewWithClient(&fakeDoer{statsBody: `{
		"worker_id": "worker-3",
		"worker_version": "1.2.3",
		"boot_time": 1,
		"last_operation_time": 2,
		"current_time": 3,
		"stats": {"twitter_returned_tweets": 9}
	}`})
	reg := registryServer(t, "worker-3", "1.2.3")

	s := New(rt, v, reg, ts, es, "")
	require.NoError(t, s.Run(context.Background()))

	recs, err := ts.AllForHotkey(hk)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Zero(t, recs[0].Counters.TwitterReturnedTweets)
}
