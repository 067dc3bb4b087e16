package server

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// metricsSnapshot composes the get_metrics payload from every component's
// point-in-time stats plus host and process figures.
func (m *Manager) metricsSnapshot() any {
	heldLocks, waitingLocks := m.locks.Stats()

	out := map[string]any{
		"uptime":    time.Since(m.startedAt).Round(time.Second).String(),
		"startedAt": m.startedAt.UTC().Format(time.RFC3339),
		"governor":  m.governor.Stats(),
		"replay":    m.replay.Stats(),
		"breakers":  m.breaker.Stats(),
		"locks": map[string]int{
			"held":    heldLocks,
			"waiting": waitingLocks,
		},
		"engine": map[string]int{
			"activeLanes": m.engine.ActiveLanes(),
		},
		"versions":          m.versions.Count(),
		"pendingUIRequests": m.uireqs.PendingCount(),
		"subscribers":       m.hub.Count(),
		"goroutines":        runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		out["system"] = map[string]any{
			"memTotalBytes":  vm.Total,
			"memUsedPercent": vm.UsedPercent,
		}
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			out["process"] = map[string]any{"rssBytes": mi.RSS}
		}
	}
	return out
}

// healthSnapshot is the health_check payload. The command itself always
// succeeds; degradation is reported in the status field.
func (m *Manager) healthSnapshot() any {
	status := "ok"
	if !m.governor.Healthy() {
		status = "degraded"
	}
	openCircuit := m.breaker.HasOpenCircuit()
	if openCircuit {
		status = "degraded"
	}
	return map[string]any{
		"status":      status,
		"openCircuit": openCircuit,
		"sessions":    m.governor.Stats().SessionCount,
		"uptime":      time.Since(m.startedAt).Round(time.Second).String(),
	}
}
