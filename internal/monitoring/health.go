package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-beamkv/internal/logger"
	"github.com/23skdu/longbow-beamkv/internal/metrics"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Cache       CacheInfo       `json:"cache"`
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

// CacheInfo summarizes the decode sessions served by this process.
type CacheInfo struct {
	Sessions       int   `json:"sessions"`
	Steps          int64 `json:"steps"`
	Updates        int64 `json:"updates"`
	AllocatedBytes int64 `json:"allocated_bytes"`
}

type PerformanceInfo struct {
	StepsPerSecond float64   `json:"steps_per_second"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	LastStep       time.Time `json:"last_step"`
}

// Alert represents a condition worth surfacing on /status
type Alert struct {
	Level     string    `json:"level"`     // info, warning, error, critical
	Component string    `json:"component"` // cache, device, session
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// HealthMonitor serves /healthz, /status and /metrics for a running process.
type HealthMonitor struct {
	startTime time.Time
	// server is built once by NewHealthMonitor and never reassigned.
	server *http.Server
	log    *logger.Logger

	mu        sync.RWMutex
	alerts    []Alert
	lastStep  time.Time
	history   []time.Duration
	sessions  int
	allocated func() int64
}

const (
	maxHistory = 1000
	maxAlerts  = 100
)

func NewHealthMonitor() *HealthMonitor {
	hm := &HealthMonitor{startTime: time.Now(), log: logger.Log.With("monitoring")}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return hm
}

// SetAllocatedFunc installs the source of the allocated byte count.
func (hm *HealthMonitor) SetAllocatedFunc(fn func() int64) {
	hm.mu.Lock()
	hm.allocated = fn
	hm.mu.Unlock()
}

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

// Start listens on addr and serves until Stop is called. It returns nil
// right away when Stop has already run.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	hm.log.Info("health monitor starting", "addr", ln.Addr().String())
	if err := hm.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down. It is safe to call before or concurrently
// with Start.
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	return hm.server.Shutdown(ctx)
}

func (hm *HealthMonitor) SessionStarted() {
	hm.mu.Lock()
	hm.sessions++
	hm.mu.Unlock()
}

func (hm *HealthMonitor) SessionFinished() {
	hm.mu.Lock()
	hm.sessions--
	hm.mu.Unlock()
}

// RecordStep records one decode step for the latency summary.
func (hm *HealthMonitor) RecordStep(d time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.lastStep = time.Now()
	hm.history = append(hm.history, d)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	if d > 5*time.Second {
		hm.addAlertLocked("warning", "session", fmt.Sprintf("Slow decode step: %s", d))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		hm.alerts[index].Resolved = true
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
		"uptime":    status.Uptime.String(),
		"sessions":  status.Cache.Sessions,
		"steps":     status.Cache.Steps,
		"allocated": status.Cache.AllocatedBytes,
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert{}, hm.alerts...)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot. Unresolved error alerts
// degrade it; critical ones mark it critical.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	cache := CacheInfo{
		Sessions: hm.sessions,
		Steps:    metrics.TotalSteps(),
		Updates:  metrics.TotalUpdates(),
	}
	if hm.allocated != nil {
		cache.AllocatedBytes = hm.allocated()
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Cache:       cache,
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
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{LastStep: hm.lastStep}
	if len(hm.history) == 0 {
		return info
	}
	sorted := append([]time.Duration{}, hm.history...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	p95 := int(float64(len(sorted)) * 0.95)
	if p95 >= len(sorted) {
		p95 = len(sorted) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(sorted)) / 1e6
	info.P95LatencyMs = float64(sorted[p95].Nanoseconds()) / 1e6
	if total > 0 {
		info.StepsPerSecond = float64(len(sorted)) / total.Seconds()
	}
	return info
}
