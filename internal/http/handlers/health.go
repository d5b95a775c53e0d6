// Package handlers provides HTTP API handlers for tvrelay.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/jmylchreest/tvrelay/internal/relay"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RelayStatsSource reports registry totals.
type RelayStatsSource interface {
	Stats() relay.RegistryStats
}

const dbPingTimeout = 2 * time.Second

// HealthHandler handles the liveness endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        Pinger
	relay     RelayStatsSource
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database checked by the endpoint.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// WithRelay sets the session registry reported by the endpoint.
func (h *HealthHandler) WithRelay(stats RelayStatsSource) *HealthHandler {
	h.relay = stats
	return h
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status        string               `json:"status" doc:"healthy or degraded"`
	Timestamp     string               `json:"timestamp"`
	Version       string               `json:"version"`
	Uptime        string               `json:"uptime"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	CPU           CPUInfo              `json:"cpu"`
	Memory        MemoryInfo           `json:"memory"`
	Checks        map[string]string    `json:"checks"`
	Relay         *relay.RegistryStats `json:"relay,omitempty"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory in MiB.
type MemoryInfo struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	AvailableMB float64 `json:"available_mb"`
	ProcessMB   float64 `json:"process_mb"`
	Goroutines  int     `json:"goroutines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service liveness, system load and relay totals",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service. A failed database check degrades
// the status but still answers 200.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPU:           cpuInfo(),
		Memory:        memoryInfo(),
		Checks:        map[string]string{},
	}

	if h.db != nil {
		pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
		err := h.db.Ping(pingCtx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks["database"] = "error"
		} else {
			resp.Checks["database"] = "ok"
		}
	}

	if h.relay != nil {
		stats := h.relay.Stats()
		resp.Relay = &stats
		resp.Checks["relay"] = "ok"
	}

	return &HealthOutput{Body: resp}, nil
}

func cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	avg, err := load.Avg()
	if err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func memoryInfo() MemoryInfo {
	const mib = 1024 * 1024
	info := MemoryInfo{Goroutines: runtime.NumGoroutine()}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMB = float64(vm.Total) / mib
		info.UsedMB = float64(vm.Used) / mib
		info.AvailableMB = float64(vm.Available) / mib
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pm, err := proc.MemoryInfo(); err == nil && pm != nil {
			info.ProcessMB = float64(pm.RSS) / mib
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.HeapAllocMB = float64(ms.HeapAlloc) / mib
	return info
}
