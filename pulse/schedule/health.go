package schedule

import (
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/logger"
)

// HealthReport is the result of one health sweep
type HealthReport struct {
	CheckedAt        time.Time `json:"checked_at"`
	Running          []string  `json:"running"`
	Released         []string  `json:"released"`
	PendingDependent int       `json:"pending_dependent"`
	MemoryUsedGB     float64   `json:"memory_used_gb"`
	MemoryTotalGB    float64   `json:"memory_total_gb"`
	MemoryPercent    float64   `json:"memory_percent"`
}

// virtualMemory is swapped in tests
var virtualMemory = mem.VirtualMemory

const bytesPerGB = 1024 * 1024 * 1024

func memoryStats() (used, total, percent float64, err error) {
	v, err := virtualMemory()
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return float64(v.Used) / bytesPerGB, float64(v.Total) / bytesPerGB, v.UsedPercent, nil
}

// sweep releases stuck jobs and logs what is running
func (s *Scheduler) sweep(now time.Time) HealthReport {
	report := HealthReport{
		CheckedAt:        now,
		Released:         s.runner.Sweep(now, s.cfg.StuckGrace),
		Running:          s.runner.Running(),
		PendingDependent: s.queue.Pending(),
	}

	used, total, percent, err := memoryStats()
	if err != nil {
		s.pulseLog.Debugw("Memory stats unavailable", logger.FieldError, err)
	} else {
		report.MemoryUsedGB, report.MemoryTotalGB, report.MemoryPercent = used, total, percent
	}

	s.mu.Lock()
	s.lastHealthAt = now
	s.lastHealth = report
	s.mu.Unlock()

	s.pulseLog.Infow("Health check",
		"running", report.Running,
		"released", report.Released,
		"pending_dependent", report.PendingDependent,
		"in_flight", s.inFlight.Load(),
		"mem_used_gb", report.MemoryUsedGB,
		"mem_total_gb", report.MemoryTotalGB,
		"mem_percent", report.MemoryPercent)
	return report
}
