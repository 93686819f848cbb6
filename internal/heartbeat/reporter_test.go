package heartbeat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/nodeclient"
)

type fakeInventory struct {
	ids []string
}

func (f fakeInventory) Inventory(ctx context.Context) ([]string, error) { return f.ids, nil }

func fakeSpace() (int64, int64, error) { return 100, 200, nil }

func TestReporterSendsHeartbeatPromptly(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&received, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","node_id":"node-a"}`))
	}))
	defer srv.Close()

	r := New("node-a", "http://node-a:9000", "", srv.Listener.Addr().String(),
		fakeInventory{ids: []string{"c1", "c2"}}, fakeSpace, nodeclient.New())
	r.interval = 50 * time.Millisecond
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestReporterStopIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	r := New("node-a", "http://node-a:9000", "", srv.Listener.Addr().String(),
		fakeInventory{}, fakeSpace, nodeclient.New())
	r.interval = 10 * time.Millisecond
	r.Start()

	start := time.Now()
	r.Stop()
	assert.Less(t, time.Since(start), 5500*time.Millisecond)
}
