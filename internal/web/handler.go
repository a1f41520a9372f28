package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	apperrors "github.com/Shugur-Network/relaymux/internal/errors"
	"github.com/Shugur-Network/relaymux/internal/metrics"
	"github.com/Shugur-Network/relaymux/internal/models"
	"github.com/Shugur-Network/relaymux/internal/multiplexer"
	"github.com/Shugur-Network/relaymux/internal/reputation"
	"go.uber.org/zap"
)

// RelaySource is the live relay set and its connect status.
type RelaySource interface {
	Relays() multiplexer.RelaySet
	Status() map[string]bool
}

// DescriptorSource lists every known relay with its reputation.
type DescriptorSource interface {
	LoadAll(ctx context.Context) ([]models.RelayDescriptor, error)
}

// StatsData represents node statistics
type StatsData struct {
	ActiveSockets       int64            `json:"active_sockets"`
	ActiveSubscriptions int64            `json:"active_subscriptions"`
	ConnectedRelays     int64            `json:"connected_relays"`
	Ports               int64            `json:"ports"`
	EventsReceived      int64            `json:"events_received"`
	EventsPerSecond     float64          `json:"events_per_second"`
	DialsPerSecond      float64          `json:"dials_per_second"`
	Errors              int64            `json:"errors"`
	MemoryUsage         map[string]int64 `json:"memory_usage"`
}

// RelayEntry is one relay in the /api/relays listing.
type RelayEntry struct {
	models.RelayDescriptor
	SuccessRate float64 `json:"success_rate"`
	InSet       bool    `json:"in_set"`
	Connected   bool    `json:"connected"`
}

// Handler serves the node's JSON API.
type Handler struct {
	logger      *zap.Logger
	startTime   time.Time
	relays      RelaySource
	descriptors DescriptorSource
	timeout     time.Duration
}

// NewHandler creates a new API handler. descriptors may be nil, in which
// case only the active set is listed.
func NewHandler(logger *zap.Logger, relays RelaySource, descriptors DescriptorSource) *Handler {
	return &Handler{
		logger:      logger,
		startTime:   time.Now(),
		relays:      relays,
		descriptors: descriptors,
		timeout:     5 * time.Second,
	}
}

// Routes registers the API endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.Handle("/api/stats", SecureValidatedAPIHandler(apperrors.NewHandler(h.HandleStatsAPI)))
	mux.Handle("/api/relays", SecureValidatedAPIHandler(apperrors.NewHandler(h.HandleRelaysAPI)))
}

// preflight writes the common API headers and reports whether the request
// still needs an answer.
func preflight(w http.ResponseWriter, r *http.Request) (bool, error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return false, nil
	case http.MethodGet:
		return true, nil
	}
	return false, apperrors.ValidationError("METHOD_NOT_ALLOWED", "method not allowed")
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) error {
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
	return nil
}

// HandleStatsAPI serves the stats API endpoint
func (h *Handler) HandleStatsAPI(w http.ResponseWriter, r *http.Request) error {
	if ok, err := preflight(w, r); !ok {
		return err
	}
	uptime := time.Since(h.startTime)
	return h.writeJSON(w, struct {
		Stats         *StatsData `json:"stats"`
		UptimeSeconds int64      `json:"uptime_seconds"`
		UptimeHuman   string     `json:"uptime_human"`
		Timestamp     int64      `json:"timestamp"`
	}{
		Stats:         getStatsData(),
		UptimeSeconds: int64(uptime.Seconds()),
		UptimeHuman:   formatUptime(uptime),
		Timestamp:     time.Now().Unix(),
	})
}

// HandleRelaysAPI lists the active set and every known relay. ?sort=
// accepts "success" (best first) or "benchmark" (fastest first).
func (h *Handler) HandleRelaysAPI(w http.ResponseWriter, r *http.Request) error {
	if ok, err := preflight(w, r); !ok {
		return err
	}

	set := h.relays.Relays()
	status := h.relays.Status()
	inSet := make(map[string]bool, len(set.Relays))
	for _, u := range set.Relays {
		inSet[u] = true
	}

	var known []models.RelayDescriptor
	if h.descriptors != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		var err error
		known, err = h.descriptors.LoadAll(ctx)
		if err != nil {
			return err
		}
	}

	entries := make([]RelayEntry, 0, len(known)+len(set.Relays))
	listed := make(map[string]bool, len(known))
	for _, d := range known {
		listed[d.URL] = true
		entries = append(entries, RelayEntry{
			RelayDescriptor: d,
			SuccessRate:     reputation.SuccessRate(d),
			InSet:           inSet[d.URL],
			Connected:       status[d.URL],
		})
	}
	for _, u := range set.Relays {
		if listed[u] {
			continue
		}
		d := models.NewRelayDescriptor(u)
		entries = append(entries, RelayEntry{
			RelayDescriptor: d,
			SuccessRate:     reputation.SuccessRate(d),
			InSet:           true,
			Connected:       status[u],
		})
	}

	switch SanitizeQueryParam(r.URL.Query().Get("sort")) {
	case "success":
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].SuccessRate > entries[j].SuccessRate })
	case "benchmark":
		sort.SliceStable(entries, func(i, j int) bool { return benchmarkOf(entries[i]) < benchmarkOf(entries[j]) })
	}

	return h.writeJSON(w, struct {
		ID     string       `json:"id"`
		Relays []RelayEntry `json:"relays"`
	}{ID: set.ID, Relays: entries})
}

func benchmarkOf(e RelayEntry) float64 {
	if e.Benchmark == nil {
		return 1e16
	}
	return *e.Benchmark
}

// getStatsData retrieves current statistics
func getStatsData() *StatsData {
	return &StatsData{
		ActiveSockets:       metrics.GetActiveSocketsCount(),
		ActiveSubscriptions: metrics.GetActiveSubscriptionsCount(),
		ConnectedRelays:     metrics.GetConnectedRelays(),
		Ports:               metrics.GetPortsCount(),
		EventsReceived:      metrics.GetEventsReceivedCount(),
		EventsPerSecond:     metrics.GetEventsPerSecond(),
		DialsPerSecond:      metrics.GetDialsPerSecond(),
		Errors:              metrics.GetErrorCount(),
		MemoryUsage:         getMemoryUsage(),
	}
}

// formatUptime formats duration as a human-readable string
func formatUptime(duration time.Duration) string {
	days := int(duration.Hours()) / 24
	hours := int(duration.Hours()) % 24
	minutes := int(duration.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// getMemoryUsage returns current memory usage statistics
func getMemoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	clamp := func(val uint64) int64 {
		if val > 1<<63-1 {
			return 1<<63 - 1
		}
		return int64(val)
	}

	return map[string]int64{
		"alloc":        clamp(m.Alloc),
		"sys":          clamp(m.Sys),
		"heap_alloc":   clamp(m.HeapAlloc),
		"heap_inuse":   clamp(m.HeapInuse),
		"heap_objects": clamp(m.HeapObjects),
		"stack_inuse":  clamp(m.StackInuse),
		"num_gc":       int64(m.NumGC),
	}
}
