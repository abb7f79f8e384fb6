package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decoy-sentinel/internal/config"
	"decoy-sentinel/internal/events"
	"decoy-sentinel/internal/logging"
)

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/203.0.113.5" {
			_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","country":"US","city":"Mountain View","lat":37.4,"lon":-122.1}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, geoURL, gatewayURL string) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		DecoyAddr:     "127.0.0.1:0",
		QueryAddr:     "127.0.0.1:0",
		MaxRetained:   100,
		TestMode:      true,
		DemoAddresses: config.DefaultDemoAddresses,
		GeoEndpoint:   geoURL,
		GeoTimeoutMS:  1000,
		MaxInFlight:   16,
		StoreBackend:  config.BackendJSON,
		JSONPath:      filepath.Join(dir, "attacks.json"),
		DBPath:        filepath.Join(dir, "captures.db"),
		GatewayURL:    gatewayURL,
	}
}

func fetchLogs(t *testing.T, addr net.Addr) []events.CaptureEvent {
	t.Helper()
	resp, err := http.Get("http://" + addr.String() + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out []events.CaptureEvent
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func knock(t *testing.T, addr net.Addr) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, conn)
	conn.Close()
}

func TestServiceEndToEnd(t *testing.T) {
	var forwarded atomic.Int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		forwarded.Add(1)
	}))
	defer gw.Close()

	cfg := testConfig(t, fakeProvider(t).URL, gw.URL)
	svc := New(cfg, logging.Nop())
	require.NoError(t, svc.Start())

	for i := 0; i < 3; i++ {
		knock(t, svc.DecoyAddr())
	}
	require.Eventually(t, func() bool { return len(fetchLogs(t, svc.QueryAddr())) == 3 }, 5*time.Second, 10*time.Millisecond)

	logs := fetchLogs(t, svc.QueryAddr())
	for _, e := range logs {
		assert.Contains(t, config.DefaultDemoAddresses, e.SourceAddress)
		assert.Equal(t, "Mountain View", e.City)
		assert.False(t, e.CapturedAt.IsZero())
	}

	svc.Stop()
	require.NoError(t, svc.Wait())
	assert.Equal(t, int32(3), forwarded.Load())

	// the persisted log survives a restart
	p, err := events.NewJSONStore(cfg.JSONPath)
	require.NoError(t, err)
	restored := events.NewLog(p, cfg.MaxRetained)
	require.NoError(t, restored.Restore(context.Background()))
	assert.Equal(t, logs, restored.Snapshot())
}

func TestServiceDropsUnlocatableAttempts(t *testing.T) {
	cfg := testConfig(t, fakeProvider(t).URL, "")
	cfg.DemoAddresses = []string{"203.0.113.5"}
	svc := New(cfg, logging.Nop())
	require.NoError(t, svc.Start())
	defer func() {
		svc.Stop()
		assert.NoError(t, svc.Wait())
	}()

	knock(t, svc.DecoyAddr())
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, fetchLogs(t, svc.QueryAddr()))
}

func TestServiceStartFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(t, "http://127.0.0.1:1", "")
	cfg.DecoyAddr = busy.Addr().String()
	svc := New(cfg, logging.Nop())
	assert.Error(t, svc.Run())
}
