package registryclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

func TestActiveStatNameFallsBackToCacheOnFailure(t *testing.T) {
	calls := 0
	r := mux.NewRouter()
	r.HandleFunc("/worker-id", func(w http.ResponseWriter, req *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"worker_id": "masa-oracle"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL)
	require.Equal(t, "masa-oracle", c.ActiveStatName(context.Background()))

	// Force expiry and a failing second fetch; expect fallback to cache.
	c.statNameFetchedAt = c.statNameFetchedAt.Add(-2 * StatNameTTL)
	require.Equal(t, "masa-oracle", c.ActiveStatName(context.Background()))
}

func TestActiveWorkerVersionEmptyWhenNeverFetched(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/tee-version", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := New(srv.URL)
	require.Equal(t, "", c.ActiveWorkerVersion(context.Background()))
}
