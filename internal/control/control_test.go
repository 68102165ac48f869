package control

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeharvest/harvest-agent/internal/dispatcher"
	"github.com/nodeharvest/harvest-agent/internal/registry"
)

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	events := dispatcher.New[registry.PodRecord](nil)
	reg := registry.New(events, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	t.Cleanup(reg.Close)
	return reg
}

func TestRunSetsUploadTrueOnRunDirective(t *testing.T) {
	frame := `{"op":"run","ns":"default","service_name":"svc","pods":[{"node":"node1","pod":"web-0","ips":["10.0.0.1"],"offset":0}]}`
	srv := sseServer(t, []string{frame})
	defer srv.Close()

	reg := newTestRegistry(t)
	reg.ApplySync(registry.PodRecord{UUID: "u1", Namespace: "default", PodName: "web-0"})

	ing := New(srv.URL, "node1", reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go ing.Run(ctx)

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		if rec, ok := reg.Get("u1"); ok && rec.Upload {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := reg.Get("u1")
	t.Fatalf("expected Upload=true, got %+v", rec)
}

func TestRunAppliesIPsFromRunDirectiveOntoRecord(t *testing.T) {
	frame := `{"op":"run","ns":"default","service_name":"svc","pods":[{"node":"node1","pod":"web-0","ips":["10.0.0.1","10.0.0.2"],"offset":0}]}`
	srv := sseServer(t, []string{frame})
	defer srv.Close()

	reg := newTestRegistry(t)
	reg.ApplySync(registry.PodRecord{UUID: "u1", Namespace: "default", PodName: "web-0"})

	ing := New(srv.URL, "node1", reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go ing.Run(ctx)

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		if rec, ok := reg.Get("u1"); ok && rec.Upload {
			assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, rec.IPs)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected ips from the run directive to be applied onto the record")
}

func TestRunSkipsEventsNotTargetingLocalNode(t *testing.T) {
	frame := `{"op":"run","ns":"default","service_name":"svc","pods":[{"node":"other-node","pod":"web-0","ips":[],"offset":0}]}`
	srv := sseServer(t, []string{frame})
	defer srv.Close()

	reg := newTestRegistry(t)
	reg.ApplySync(registry.PodRecord{UUID: "u1", Namespace: "default", PodName: "web-0"})

	ing := New(srv.URL, "node1", reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = ing.Run(ctx)

	rec, ok := reg.Get("u1")
	require.True(t, ok)
	assert.False(t, rec.Upload)
}

func TestRunIgnoresMalformedEventAndContinues(t *testing.T) {
	good := `{"op":"run","ns":"default","service_name":"svc","pods":[{"node":"node1","pod":"web-0","ips":[],"offset":0}]}`
	srv := sseServer(t, []string{"not json at all", good})
	defer srv.Close()

	reg := newTestRegistry(t)
	reg.ApplySync(registry.PodRecord{UUID: "u1", Namespace: "default", PodName: "web-0"})

	ing := New(srv.URL, "node1", reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go ing.Run(ctx)

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		if rec, ok := reg.Get("u1"); ok && rec.Upload {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the well-formed event after the malformed one to still be applied")
}

func TestRunReturnsErrorWhenStreamOpenFails(t *testing.T) {
	reg := newTestRegistry(t)
	ing := New("http://127.0.0.1:1", "node1", reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ing.Run(ctx)
	assert.Error(t, err)
}

func TestCacheSnapshotTracksMostRecentDirectivePerKey(t *testing.T) {
	frame1 := `{"op":"run","ns":"default","service_name":"svc","pods":[{"node":"node1","pod":"web-0","ips":[],"offset":0}]}`
	frame2 := `{"op":"stop","ns":"default","service_name":"svc","pods":[{"node":"node1","pod":"web-0","ips":[],"offset":0}]}`
	srv := sseServer(t, []string{frame1, frame2})
	defer srv.Close()

	reg := newTestRegistry(t)
	reg.ApplySync(registry.PodRecord{UUID: "u1", Namespace: "default", PodName: "web-0"})

	ing := New(srv.URL, "node1", reg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go ing.Run(ctx)

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		snap := ing.Cache().Snapshot()
		if len(snap) == 1 && snap[0].Op == "stop" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected cache to converge on the most recent directive")
}
