package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeharvest/harvest-agent/internal/dispatcher"
	"github.com/nodeharvest/harvest-agent/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	events := dispatcher.New[registry.PodRecord](nil)
	reg := registry.New(events, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	t.Cleanup(reg.Close)

	s, err := New("127.0.0.1:0", reg, nil, nil)
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	return s, reg
}

func TestPostPodMergesFilterOutputUpload(t *testing.T) {
	s, reg := newTestServer(t)
	reg.ApplySync(registry.PodRecord{UUID: "u1", Namespace: "default", PodName: "web-0"})

	body, _ := json.Marshal(map[string]any{
		"namespace": "default", "pod": "web-0", "filter": "^ERROR", "output": "fake_output", "upload": true,
	})
	resp, err := http.Post("http://"+s.Addr()+"/pod", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	rec, ok := reg.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "^ERROR", rec.Filter)
	assert.Equal(t, "fake_output", rec.Output)
	assert.True(t, rec.Upload)
	assert.Equal(t, registry.StateRunning, rec.State)
}

func TestPostPodRejectsEmptyNamespaceOrPod(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"namespace": "", "pod": "web-0"})
	resp, err := http.Post("http://"+s.Addr()+"/pod", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetPodReturnsSnapshot(t *testing.T) {
	s, reg := newTestServer(t)
	reg.ApplySync(registry.PodRecord{UUID: "u1", Namespace: "default", PodName: "web-0"})

	resp, err := http.Get("http://" + s.Addr() + "/pod")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var records []registry.PodRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].UUID)
}

func TestUnknownRouteReturns404WithStatusBody(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "error", body["status"])
}

func TestGetRulesDefaultsToEmptyListWithoutControlIngress(t *testing.T) {
	s, _ := newTestServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/rules")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var rules []any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rules))
	assert.Empty(t, rules)
}
