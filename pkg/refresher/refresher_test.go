package refresher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/symsrv/symsrv/pkg/firmware"
	"github.com/symsrv/symsrv/pkg/symstore"
)

type stubPeer struct {
	mu    sync.Mutex
	name  string
	err   error
	calls int
}

func (p *stubPeer) Name() string { return p.name }

func (p *stubPeer) Refresh(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func newTestRefresher(t *testing.T, peers []Peer, keys ...string) (*Refresher, *firmware.Catalog, *symstore.Store) {
	t.Helper()
	bucket := objstore.NewInMemBucket()
	for _, key := range keys {
		require.NoError(t, bucket.Upload(context.Background(), key, strings.NewReader("firmware")))
	}
	catalog := firmware.NewCatalog(log.NewNopLogger(), firmware.Config{}, bucket, nil)

	store, err := symstore.Open(log.NewNopLogger(), symstore.Config{
		DSN:       ":memory:",
		CacheSize: 128,
		CacheTTL:  time.Minute,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := New(log.NewNopLogger(), Config{PeerTimeout: time.Second}, catalog, store, peers, nil)
	return r, catalog, store
}

func TestRefreshAll(t *testing.T) {
	peer := &stubPeer{name: "peer-a"}
	r, catalog, store := newTestRefresher(t, []Peer{peer},
		"iPhone15,2_17.4_21E219_Restore.ipsw")

	// Seed a cached lookup so invalidation is observable.
	require.NoError(t, store.BulkInsert(context.Background(), 1, []symstore.SymbolRange{{
		Library:          "libsystem_c",
		DeviceIdentifier: "iPhone15,2",
		OSVersion:        "17.4",
		Symbol:           "malloc",
		StartAddress:     4096,
		EndAddress:       8192,
	}}))
	_, err := store.Lookup(context.Background(), symstore.LookupRequest{
		Library:          "libsystem_c",
		DeviceIdentifier: "iPhone15,2",
		OSVersion:        "17.4",
		Address:          4100,
	})
	require.NoError(t, err)

	result, err := r.RefreshAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Artifacts)
	assert.Equal(t, 1, result.Peers)
	assert.Empty(t, result.PeerErrors)
	assert.Equal(t, 1, peer.calls)
	require.NotNil(t, catalog.Snapshot())

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.CacheEntries)
}

func TestRefreshAll_PeerFailureIsBestEffort(t *testing.T) {
	ok := &stubPeer{name: "ok"}
	bad := &stubPeer{name: "bad", err: assert.AnError}
	r, _, _ := newTestRefresher(t, []Peer{bad, ok},
		"iPhone15,2_17.4_21E219_Restore.ipsw")

	result, err := r.RefreshAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, bad.calls)
	require.Len(t, result.PeerErrors, 1)
	assert.Contains(t, result.PeerErrors[0], "bad")
}

func TestRefreshAll_Idempotent(t *testing.T) {
	r, catalog, _ := newTestRefresher(t, nil,
		"iPhone15,2_17.4_21E219_Restore.ipsw",
		"iPhone14,7_16.1_20B82_Restore.ipsw")

	first, err := r.RefreshAll(context.Background())
	require.NoError(t, err)
	snapshotA := catalog.Snapshot()

	second, err := r.RefreshAll(context.Background())
	require.NoError(t, err)
	snapshotB := catalog.Snapshot()

	assert.Equal(t, first.Artifacts, second.Artifacts)
	assert.Equal(t, snapshotA.Artifacts, snapshotB.Artifacts)
}

func TestRefreshAll_ConcurrentCalls(t *testing.T) {
	r, _, _ := newTestRefresher(t, nil, "iPhone15,2_17.4_21E219_Restore.ipsw")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.RefreshAll(context.Background())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestHTTPPeer(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotMethod = req.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	peer := NewHTTPPeer(srv.URL + "/v1/refresh-cache")
	require.NoError(t, peer.Refresh(context.Background()))
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestHTTPPeer_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	peer := NewHTTPPeer(srv.URL)
	require.Error(t, peer.Refresh(context.Background()))
}

func TestHTTPPeers(t *testing.T) {
	peers := HTTPPeers(" http://a/refresh , http://b/refresh ,")
	require.Len(t, peers, 2)
	assert.Equal(t, "http://a/refresh", peers[0].Name())
}
