// Package monitoring serves health, status and Prometheus metrics over HTTP.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

const (
	maxPerfPoints = 1000
	maxAlerts     = 100
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      any             `json:"engine,omitempty"`
	Devices     []DeviceInfo    `json:"devices,omitempty"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type DeviceInfo struct {
	ID      int     `json:"id"`
	FreeMB  int64   `json:"free_mb"`
	TotalMB int64   `json:"total_mb"`
	UsedPct float64 `json:"used_pct"`
}

type PerformanceInfo struct {
	Requests        int       `json:"requests"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastRequest     time.Time `json:"last_request"`
}

// Alert levels are info, warning, error and critical.
type Alert struct {
	Level      string     `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PerfPoint is one finished request.
type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
	Failed    bool
}

// Sources supply the runtime state shown on /status. Either may be nil.
type Sources struct {
	Engine  func() any
	Devices func(ctx context.Context) ([]device.MemoryInfo, error)
}

type HealthMonitor struct {
	version   string
	startTime time.Time
	sources   Sources
	server    *http.Server

	mu          sync.RWMutex
	alerts      []Alert
	lastRequest time.Time
	perfHistory []PerfPoint

	// Thresholds for alerts. Zero disables the check.
	MinTokensPerSecond float64
	MaxLatency         time.Duration
	MinDeviceFreePct   float64

	log *logger.Logger
}

func NewHealthMonitor(version string, src Sources) *HealthMonitor {
	return &HealthMonitor{
		version:            version,
		startTime:          time.Now(),
		sources:            src,
		MinTokensPerSecond: 1,
		MaxLatency:         5 * time.Minute,
		MinDeviceFreePct:   5,
		log:                logger.Log.With("component", "monitoring"),
	}
}

// Handler routes the monitoring endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (hm *HealthMonitor) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("monitoring listen %s: %w", addr, err)
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hm.log.Error("monitoring server stopped", "error", err)
		}
	}()
	hm.log.Info("health monitor listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordRequest adds a finished request to the performance history.
func (hm *HealthMonitor) RecordRequest(tokens int, duration time.Duration, failed bool) {
	point := PerfPoint{Timestamp: time.Now(), Tokens: tokens, Duration: duration, Failed: failed}
	hm.mu.Lock()
	hm.lastRequest = point.Timestamp
	hm.perfHistory = append(hm.perfHistory, point)
	if len(hm.perfHistory) > maxPerfPoints {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()
	hm.checkPerformanceAlerts(point)
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Timestamp: time.Now()})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()
	hm.log.Warn("alert raised", "level", level, "alert_component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("write response failed", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.overall()
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status(r.Context()))
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert{}, hm.alerts...)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// overall is critical with an open critical alert, degraded with an open
// error alert and healthy otherwise.
func (hm *HealthMonitor) overall() string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		switch a.Level {
		case "critical":
			return "critical"
		case "error":
			status = "degraded"
		}
	}
	return status
}

// Status assembles the full status document. Device memory is queried
// through the device actors, so it may wait behind running work.
func (hm *HealthMonitor) Status(ctx context.Context) HealthStatus {
	var devices []DeviceInfo
	if hm.sources.Devices != nil {
		infos, err := hm.sources.Devices(ctx)
		if err != nil {
			hm.AddAlert("error", "device", fmt.Sprintf("memory report failed: %v", err))
		}
		for _, m := range infos {
			d := DeviceInfo{ID: m.Device, FreeMB: m.Free >> 20, TotalMB: m.Total >> 20}
			if m.Total > 0 {
				d.UsedPct = float64(m.Used()) / float64(m.Total) * 100
			}
			devices = append(devices, d)
			hm.checkDeviceMemory(m)
		}
	}
	var eng any
	if hm.sources.Engine != nil {
		eng = hm.sources.Engine()
	}

	status := hm.overall()
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     hm.version,
		Uptime:      time.Since(hm.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Engine:      eng,
		Devices:     devices,
		Performance: hm.performance(),
		Alerts:      append([]Alert{}, hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys >> 20),
		MemoryUsedMB: int(m.Alloc >> 20),
	}
}

// performance summarizes the history. Callers hold mu.
func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{Requests: len(hm.perfHistory), LastRequest: hm.lastRequest}
	if len(hm.perfHistory) == 0 {
		return info
	}
	var (
		tokens   int
		total    time.Duration
		failures int
	)
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		tokens += p.Tokens
		total += p.Duration
		if p.Failed {
			failures++
		}
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)
	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failures) / float64(len(hm.perfHistory))
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}

func (hm *HealthMonitor) checkPerformanceAlerts(p PerfPoint) {
	if p.Failed {
		hm.AddAlert("warning", "engine", "request failed")
		return
	}
	if p.Duration <= 0 {
		return
	}
	if rate := float64(p.Tokens) / p.Duration.Seconds(); hm.MinTokensPerSecond > 0 && p.Tokens > 0 && rate < hm.MinTokensPerSecond {
		hm.AddAlert("warning", "performance", fmt.Sprintf("Low throughput: %.2f tokens/sec", rate))
	}
	if hm.MaxLatency > 0 && p.Duration > hm.MaxLatency {
		hm.AddAlert("error", "performance", fmt.Sprintf("High latency: %s", p.Duration))
	}
}

func (hm *HealthMonitor) checkDeviceMemory(m device.MemoryInfo) {
	if hm.MinDeviceFreePct <= 0 || m.Total <= 0 {
		return
	}
	if pct := float64(m.Free) / float64(m.Total) * 100; pct < hm.MinDeviceFreePct {
		hm.AddAlert("warning", "device", fmt.Sprintf("Device %d low on memory: %d MB free", m.Device, m.Free>>20))
	}
}
