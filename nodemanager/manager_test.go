package nodemanager

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattdev071/subnet-42/chainiface"
	"github.com/mattdev071/subnet-42/registryclient"
	"github.com/mattdev071/subnet-42/routing"
	"github.com/mattdev071/subnet-42/store"
	"github.com/mattdev071/subnet-42/tee"
	"github.com/mattdev071/subnet-42/transport"
	"github.com/mattdev071/subnet-42/types"
)

func hotkeyAt(b byte) types.Hotkey {
	var hk types.Hotkey
	for i := range hk {
		hk[i] = b
	}
	return hk
}

func newTestStores(t *testing.T) (*routing.Table, *store.ErrorStore) {
	t.Helper()
	dir := t.TempDir()
	rs, err := store.OpenRoutingStore(filepath.Join(dir, "routing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	es, err := store.OpenErrorStore(filepath.Join(dir, "errors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return routing.New(rs), es
}

// fakeDoer answers tee-protocol requests by path regardless of the request's
// host, so a candidate address can satisfy types.NewTEEAddress's https/
// non-local checks while staying fully in-memory.
type fakeDoer struct {
	statsBody string
	fail      bool
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	if f.fail {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: http.NoBody}, nil
	}
	var body []byte
	switch {
	case req.URL.Path == "/job/generate":
		body = []byte(`"signed-job"`)
	case req.URL.Path == "/job/add":
		body, _ = json.Marshal(map[string]string{"uid": "job-1"})
	case req.URL.Path == "/job/status/job-1":
		body = []byte(`"signed-result"`)
	case req.URL.Path == "/job/result":
		body = []byte(f.statsBody)
	default:
		return &http.Response{StatusCode: http.StatusNotFound, Body: http.NoBody}, nil
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestConnectNewNodesSkipsAlreadyConnected(t *testing.T) {
	rt, es := newTestStores(t)
	transportStub := transport.NewStub()
	v := tee.NewWithClient(&fakeDoer{})
	m := New(rt, transportStub, v, es)

	hk := hotkeyAt(0x01)
	nodes := map[types.Hotkey]chainiface.NodeInfo{hk: {Hotkey: hk, IP: "1.2.3.4", Port: 8080}}

	m.ConnectNewNodes(context.Background(), nodes)
	require.Len(t, m.Connected(), 1)

	m.ConnectNewNodes(context.Background(), nodes)
	require.Len(t, m.Connected(), 1)
}

func TestRemoveDisconnectedNodesClearsRouting(t *testing.T) {
	rt, es := newTestStores(t)
	transportStub := transport.NewStub()
	v := tee.NewWithClient(&fakeDoer{})
	m := New(rt, transportStub, v, es)

	hk := hotkeyAt(0x02)
	nodes := map[types.Hotkey]chainiface.NodeInfo{hk: {Hotkey: hk, IP: "1.2.3.4", Port: 8080}}
	m.ConnectNewNodes(context.Background(), nodes)
	require.Len(t, m.Connected(), 1)

	require.NoError(t, rt.AddMinerAddress(hk, 1, "https://tee.example.com", "worker-1"))

	m.RemoveDisconnectedNodes(map[types.Hotkey]chainiface.NodeInfo{})
	require.Len(t, m.Connected(), 0)

	addrs, err := rt.GetAllAddresses()
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestUpdateTEEListClaimsNewWorker(t *testing.T) {
	rt, es := newTestStores(t)
	transportStub := transport.NewStub()
	transportStub.Responses["http://5.6.7.8:9090/tee"] = []byte("https://tee-1.example.com")
	v := tee.NewWithClient(&fakeDoer{statsBody: `{
		"worker_id": "worker-new",
		"worker_version": "1.0.0",
		"boot_time": 1,
		"last_operation_time": 2,
		"current_time": 3,
		"stats": {"worker-new": {"twitter_returned_tweets": 5}}
	}`})
	m := New(rt, transportStub, v, es)

	hk := hotkeyAt(0x03)
	nodes := map[types.Hotkey]chainiface.NodeInfo{hk: {Hotkey: hk, IP: "5.6.7.8", Port: 9090}}
	m.ConnectNewNodes(context.Background(), nodes)

	err := m.UpdateTEEList(context.Background(), map[types.Hotkey]types.UID{hk: 7})
	require.NoError(t, err)

	addrs, err := rt.GetAllAddressesWithHotkeys()
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, hk, addrs[0].Hotkey)
	require.Equal(t, types.TEEAddress("https://tee-1.example.com"), addrs[0].Address)
}

func TestSendScoreReportPostsToConnectedMiner(t *testing.T) {
	rt, es := newTestStores(t)
	transportStub := transport.NewStub()
	v := tee.NewWithClient(&fakeDoer{})
	m := New(rt, transportStub, v, es)

	hk := hotkeyAt(0x09)
	nodes := map[types.Hotkey]chainiface.NodeInfo{hk: {Hotkey: hk, IP: "1.1.1.1", Port: 80}}
	m.ConnectNewNodes(context.Background(), nodes)

	m.SendScoreReport(context.Background(), hk, 3, 0.75)
	require.Contains(t, transportStub.Posted, "http://1.1.1.1:80/score-report")
}

func TestSendScoreReportSkipsUnconnectedHotkey(t *testing.T) {
	rt, es := newTestStores(t)
	transportStub := transport.NewStub()
	v := tee.NewWithClient(&fakeDoer{})
	m := New(rt, transportStub, v, es)

	m.SendScoreReport(context.Background(), hotkeyAt(0x0a), 1, 0.5)
	require.Empty(t, transportStub.Posted)
}

func TestUpdateTEEListStagesFailedVerification(t *testing.T) {
	rt, es := newTestStores(t)
	transportStub := transport.NewStub()
	transportStub.Responses["http://9.9.9.9:1111/tee"] = []byte("https://broken.example.com")
	v := tee.NewWithClient(&fakeDoer{fail: true})
	m := New(rt, transportStub, v, es)

	hk := hotkeyAt(0x04)
	nodes := map[types.Hotkey]chainiface.NodeInfo{hk: {Hotkey: hk, IP: "9.9.9.9", Port: 1111}}
	m.ConnectNewNodes(context.Background(), nodes)

	require.NoError(t, m.UpdateTEEList(context.Background(), nil))

	addrs, err := rt.GetAllAddresses()
	require.NoError(t, err)
	require.Empty(t, addrs)

	errs, err := es.ForHotkey(hk)
	require.NoError(t, err)
	require.NotEmpty(t, errs)
}

func TestUpdateTEEListRegistersFailedTEEWithCentralRegistry(t *testing.T) {
	rt, es := newTestStores(t)
	transportStub := transport.NewStub()
	transportStub.Responses["http://9.9.9.9:1111/tee"] = []byte("https://broken.example.com")
	v := tee.NewWithClient(&fakeDoer{fail: true})

	var mu sync.Mutex
	var registered []string
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Address string `json:"address"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		registered = append(registered, body.Address)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer registrySrv.Close()

	m := New(rt, transportStub, v, es, WithRegistry(registryclient.New(registrySrv.URL)))

	hk := hotkeyAt(0x05)
	nodes := map[types.Hotkey]chainiface.NodeInfo{hk: {Hotkey: hk, IP: "9.9.9.9", Port: 1111}}
	m.ConnectNewNodes(context.Background(), nodes)

	require.NoError(t, m.UpdateTEEList(context.Background(), nil))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"https://broken.example.com"}, registered)
}
