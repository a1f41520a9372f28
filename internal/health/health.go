package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/relaymux/internal/config"
	"github.com/Shugur-Network/relaymux/internal/domain"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const checkTimeout = 5 * time.Second

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Ready      bool               `json:"ready"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]any     `json:"summary"`
}

// RelayView is what the checker needs from the multiplexer.
type RelayView interface {
	ConnectedCount() (connected, total int)
}

// PortCounter reports open broker ports.
type PortCounter interface {
	Ports() int
}

// HealthChecker performs comprehensive health checks
type HealthChecker struct {
	store     domain.Store
	relays    RelayView
	ports     PortCounter
	maxPorts  int
	logger    *zap.Logger
	startTime time.Time
	version   string
}

// NewHealthChecker creates a new health checker. ports may be nil when no
// broker runs.
func NewHealthChecker(store domain.Store, relays RelayView, ports PortCounter, cfg *config.Config, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		store:     store,
		relays:    relays,
		ports:     ports,
		maxPorts:  cfg.Broker.MaxPorts,
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// CheckHealth runs every component check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()
	relayStatus := h.checkRelays()
	components := []*ComponentStatus{
		h.checkStorage(ctx),
		relayStatus,
		h.checkMemory(),
		h.checkSystemResources(),
	}
	if h.ports != nil {
		components = append(components, h.checkPorts())
	}

	overall := determineOverallStatus(components)
	return &HealthResponse{
		Status:     overall,
		Ready:      overall != StatusUnhealthy && relayStatus.Status == StatusHealthy,
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.startTime)),
		Components: components,
		Summary: map[string]any{
			"total_components":     len(components),
			"healthy_components":   countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

func (h *HealthChecker) checkStorage(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "storage",
		Details: map[string]any{"backend": h.store.Backend()},
	}
	start := time.Now()
	if err := h.store.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Storage unreachable"
		status.Details["error"] = err.Error()
		return status
	}
	latency := time.Since(start)
	status.Details["ping_ms"] = latency.Milliseconds()
	if latency > time.Second {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Slow storage ping: %s", latency)
		return status
	}
	status.Status = StatusHealthy
	status.Message = "Storage is healthy"
	return status
}

// checkRelays reports how much of the active set is connected. An empty
// set is healthy; nothing connected out of a non-empty set is degraded.
func (h *HealthChecker) checkRelays() *ComponentStatus {
	connected, total := h.relays.ConnectedCount()
	status := &ComponentStatus{
		Name:    "relays",
		Details: map[string]any{"relays": total, "connected": connected},
	}
	switch {
	case total == 0:
		status.Status = StatusHealthy
		status.Message = "No relay set configured"
	case connected == 0:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("No relay connected out of %d", total)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Connected to %d/%d relays", connected, total)
	}
	return status
}

func (h *HealthChecker) checkPorts() *ComponentStatus {
	count := h.ports.Ports()
	status := &ComponentStatus{
		Name:    "ports",
		Details: map[string]any{"open_ports": count, "max_ports": h.maxPorts},
	}
	if h.maxPorts <= 0 {
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("%d ports open", count)
		return status
	}
	utilization := float64(count) / float64(h.maxPorts) * 100
	status.Details["port_utilization_percent"] = utilization
	switch {
	case utilization >= 100:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("Port limit reached: %d/%d", count, h.maxPorts)
	case utilization > 90:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("High port utilization: %d/%d (%.1f%%)", count, h.maxPorts, utilization)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Port count normal: %d/%d (%.1f%%)", count, h.maxPorts, utilization)
	}
	return status
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	allocMB := float64(m.Alloc) / 1024 / 1024
	status := &ComponentStatus{
		Name: "memory",
		Details: map[string]any{
			"alloc_mb":        allocMB,
			"sys_mb":          float64(m.Sys) / 1024 / 1024,
			"heap_mb":         float64(m.HeapAlloc) / 1024 / 1024,
			"num_gc":          m.NumGC,
			"gc_cpu_fraction": m.GCCPUFraction,
		},
	}

	const (
		memoryWarningMB  = 500
		memoryCriticalMB = 1000
	)
	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

// checkSystemResources checks system-level resources
func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutineCount := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name:    "system",
		Details: map[string]any{"goroutines": goroutineCount, "cpus": runtime.NumCPU()},
	}

	// every relay socket and port costs a few goroutines
	const (
		goroutineWarning  = 5000
		goroutineCritical = 20000
	)
	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

func determineOverallStatus(components []*ComponentStatus) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth serves liveness checks, or readiness checks with ?ready=1.
// Readiness also needs a healthy relay component.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy || (r.URL.Query().Get("ready") == "1" && !resp.Ready) {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
