package query

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decoy-sentinel/internal/events"
	"decoy-sentinel/internal/logging"
)

func seeded(t *testing.T, n int) *events.Log {
	t.Helper()
	l := events.NewLog(nil, 100)
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, addr := range []string{"8.8.8.8", "1.1.1.1", "202.38.64.1"}[:n] {
		loc := events.Location{Latitude: float64(i), Longitude: float64(-i), City: "c" + addr, Country: "X"}
		require.NoError(t, l.Append(context.Background(), events.NewCaptureEvent(addr, loc, at.Add(time.Duration(i)*time.Minute))))
	}
	return l
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCurrentLogDelegatesToSnapshot(t *testing.T) {
	store := seeded(t, 3)
	svc := NewService(store)
	assert.Equal(t, store.Snapshot(), svc.CurrentLog())
}

func TestLogsEndpointEmpty(t *testing.T) {
	h := NewRouter(NewService(events.NewLog(nil, 100)), RouterOptions{Log: logging.Nop()})
	rec := get(t, h, "/api/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestLogsEndpointReturnsOrderedEvents(t *testing.T) {
	h := NewRouter(NewService(seeded(t, 3)), RouterOptions{})
	rec := get(t, h, "/api/logs")
	require.Equal(t, http.StatusOK, rec.Code)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Len(t, raw, 3)
	for _, k := range []string{"sourceAddress", "latitude", "longitude", "city", "country", "capturedAt"} {
		assert.Contains(t, raw[0], k)
	}
	assert.Equal(t, "8.8.8.8", raw[0]["sourceAddress"])
	assert.Equal(t, "202.38.64.1", raw[2]["sourceAddress"])
	assert.Equal(t, "2026-05-01T08:00:00Z", raw[0]["capturedAt"])

	var typed []events.CaptureEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &typed))
	assert.Equal(t, seeded(t, 3).Snapshot(), typed)
}

func TestLogsEndpointIsReadOnly(t *testing.T) {
	store := seeded(t, 1)
	h := NewRouter(NewService(store), RouterOptions{})
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(m, "/api/logs", strings.NewReader(`[]`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, m)
	}
	assert.Equal(t, 1, store.Len())
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	h := NewRouter(NewService(seeded(t, 1)), RouterOptions{})
	rec := get(t, h, "/api/logs", "Origin", "http://dashboard.example")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusEndpoint(t *testing.T) {
	h := NewRouter(NewService(seeded(t, 2)), RouterOptions{
		Decorate: func(st *Status) { st.TestMode = true; st.Breaker = "closed" },
	})
	rec := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"retained":2,"capacity":100,"testMode":true,"geoBreaker":"closed"}`, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	h := NewRouter(NewService(events.NewLog(nil, 1)), RouterOptions{})
	assert.Equal(t, "ok", get(t, h, "/healthz").Body.String())
	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitOnAPI(t *testing.T) {
	h := NewRouter(NewService(events.NewLog(nil, 1)), RouterOptions{RequestsPerMinute: 2})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, get(t, h, "/api/logs").Code)
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)
	// health is outside the limited group
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>map</h1>"), 0o644))
	h := NewRouter(NewService(events.NewLog(nil, 1)), RouterOptions{StaticDir: dir})

	rec := get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "map")
	assert.Equal(t, http.StatusOK, get(t, h, "/api/logs").Code)
}
