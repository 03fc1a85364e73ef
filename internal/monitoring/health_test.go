package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-quiver/internal/device"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	hm := NewHealthMonitor("test", Sources{})
	h := hm.Handler()

	for _, path := range []string{"/health", "/healthz"} {
		rec := get(t, h, http.MethodGet, path)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
			t.Errorf("%s: %d %s", path, rec.Code, rec.Body)
		}
	}

	hm.AddAlert("error", "engine", "boom")
	if rec := get(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health returned %d", rec.Code)
	}
	hm.ResolveAlert(0)
	if rec := get(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("resolved alert still fails health: %d", rec.Code)
	}
}

func TestStatusIncludesEngineAndDevices(t *testing.T) {
	hm := NewHealthMonitor("1.2.3", Sources{
		Engine: func() any { return map[string]any{"state": "decode", "cursor": 7} },
		Devices: func(context.Context) ([]device.MemoryInfo, error) {
			return []device.MemoryInfo{
				{Device: 0, Free: 512 << 20, Total: 1024 << 20},
				{Device: 1, Free: 1 << 20, Total: 1024 << 20},
			}, nil
		},
	})
	hm.RecordRequest(10, 2*time.Second, false)
	hm.RecordRequest(0, time.Second, true)

	rec := get(t, hm.Handler(), http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var st struct {
		Version     string          `json:"version"`
		Engine      map[string]any  `json:"engine"`
		Devices     []DeviceInfo    `json:"devices"`
		Performance PerformanceInfo `json:"performance"`
		Alerts      []Alert         `json:"alerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Version != "1.2.3" || st.Engine["state"] != "decode" {
		t.Errorf("status = %+v", st)
	}
	if len(st.Devices) != 2 || st.Devices[0].UsedPct != 50 {
		t.Errorf("devices = %+v", st.Devices)
	}
	if st.Performance.Requests != 2 || st.Performance.ErrorRate != 0.5 {
		t.Errorf("performance = %+v", st.Performance)
	}
	// one failed request, one device below the free memory floor
	var components []string
	for _, a := range st.Alerts {
		components = append(components, a.Component)
	}
	if strings.Join(components, ",") != "engine,device" {
		t.Errorf("alerts from %v", components)
	}
}

func TestStatusDeviceReportFailure(t *testing.T) {
	hm := NewHealthMonitor("", Sources{
		Devices: func(context.Context) ([]device.MemoryInfo, error) { return nil, errors.New("device gone") },
	})
	st := hm.Status(context.Background())
	if st.Status != "degraded" {
		t.Errorf("status = %s", st.Status)
	}
}

func TestClearAlerts(t *testing.T) {
	hm := NewHealthMonitor("", Sources{})
	h := hm.Handler()
	hm.AddAlert("warning", "performance", "slow")

	if rec := get(t, h, http.MethodGet, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts = %d", rec.Code)
	}
	if rec := get(t, h, http.MethodPost, "/admin/clear-alerts"); rec.Code != http.StatusOK {
		t.Errorf("POST clear-alerts = %d", rec.Code)
	}
	rec := get(t, h, http.MethodGet, "/admin/alerts")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("alerts after clear = %s", rec.Body)
	}
}

func TestPerformanceAlerts(t *testing.T) {
	hm := NewHealthMonitor("", Sources{})
	hm.MaxLatency = time.Second
	hm.RecordRequest(1, 4*time.Second, false)
	st := hm.Status(context.Background())
	if len(st.Alerts) != 2 {
		t.Fatalf("alerts = %+v", st.Alerts)
	}
	if st.Status != "degraded" {
		t.Errorf("status = %s", st.Status)
	}
	if st.Performance.P95LatencyMs != 4000 {
		t.Errorf("p95 = %v", st.Performance.P95LatencyMs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, NewHealthMonitor("", Sources{}).Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "quiver_") {
		t.Errorf("metrics: %d", rec.Code)
	}
}

func TestStartStop(t *testing.T) {
	hm := NewHealthMonitor("", Sources{})
	addr, err := hm.Start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := hm.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
