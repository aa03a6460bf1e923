package manager

import (
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"pwrec/internal/models"
)

// KindTelemetry is the realtime message kind for telemetry samples.
const KindTelemetry = "telemetry"

// Telemetry is the latest host sample and per-process usage.
type Telemetry struct {
	System    *models.SystemTelemetry        `json:"system,omitempty"`
	Processes []*models.ProcessResourceUsage `json:"processes"`
}

// StartTelemetryMonitor launches a background sampler that refreshes host and process metrics.
func (m *Manager) StartTelemetryMonitor() {
	m.telemetryMu.Lock()
	if m.telemetryStop != nil {
		m.telemetryMu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.telemetryStop = stop
	m.telemetryMu.Unlock()

	interval := m.Config.Telemetry.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	m.telemetryWG.Add(1)
	go func() {
		defer m.telemetryWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.refreshTelemetry(m.ctx)
		for {
			select {
			case <-ticker.C:
				m.refreshTelemetry(m.ctx)
			case <-stop:
				return
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// StopTelemetryMonitor stops the background telemetry sampler and waits for shutdown.
func (m *Manager) StopTelemetryMonitor() {
	m.telemetryMu.Lock()
	stop := m.telemetryStop
	m.telemetryStop = nil
	m.telemetryMu.Unlock()
	if stop != nil {
		close(stop)
	}
	m.telemetryWG.Wait()
}

func (m *Manager) refreshTelemetry(ctx context.Context) {
	snapshot, hostDelta, memTotal := m.collectSystemTelemetry(ctx)
	if snapshot != nil {
		m.telemetryMu.Lock()
		m.systemTelemetry = snapshot
		m.telemetryMu.Unlock()
	}
	m.refreshProcessTelemetry(ctx, hostDelta, memTotal)
	m.publish(KindTelemetry, m.Telemetry())
}

func (m *Manager) collectSystemTelemetry(ctx context.Context) (*models.SystemTelemetry, float64, uint64) {
	timesStats, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(timesStats) == 0 {
		return nil, 0, 0
	}
	total := cpuTotal(timesStats[0])
	idle := timesStats[0].Idle + timesStats[0].Iowait
	deltaTotal, deltaIdle, hasPrev := m.updateCPUSample(total, idle)

	var cpuPercent float64
	if hasPrev && deltaTotal > 0 {
		used := deltaTotal - deltaIdle
		if used < 0 {
			used = 0
		}
		cpuPercent = clampFloat((used/deltaTotal)*100, 0, 100)
	}

	memoryStats, _ := mem.VirtualMemoryWithContext(ctx)
	var memPercent float64
	var memUsed, memTotal uint64
	if memoryStats != nil {
		memPercent = clampFloat(memoryStats.UsedPercent, 0, 100)
		memUsed = memoryStats.Used
		memTotal = memoryStats.Total
	}

	hostInfo, _ := host.InfoWithContext(ctx)
	var uptimeSeconds, processCount uint64
	if hostInfo != nil {
		uptimeSeconds = hostInfo.Uptime
		processCount = hostInfo.Procs
	}

	snapshot := &models.SystemTelemetry{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		MemoryUsed:    memUsed,
		MemoryTotal:   memTotal,
		UptimeSeconds: uptimeSeconds,
		ProcessCount:  processCount,
		HealthPercent: computeHealth(cpuPercent, memPercent),
		SampledAt:     time.Now(),
	}
	return snapshot, deltaTotal, memTotal
}

func (m *Manager) refreshProcessTelemetry(ctx context.Context, hostDelta float64, memTotal uint64) {
	running := m.Processes.Running()
	live := make(map[int]bool, len(running))
	for _, info := range running {
		live[info.PID] = true
		usage := m.buildProcessUsage(ctx, info, hostDelta, memTotal)
		m.telemetryMu.Lock()
		if usage == nil {
			delete(m.processUsage, info.PID)
		} else {
			m.processUsage[info.PID] = usage
		}
		m.telemetryMu.Unlock()
	}
	m.telemetryMu.Lock()
	for pid := range m.processUsage {
		if !live[pid] {
			delete(m.processUsage, pid)
			delete(m.processCPUTimes, pid)
		}
	}
	m.telemetryMu.Unlock()
}

func (m *Manager) buildProcessUsage(ctx context.Context, info ProcessInfo, hostDelta float64, memTotal uint64) *models.ProcessResourceUsage {
	proc, err := process.NewProcessWithContext(ctx, int32(info.PID))
	if err != nil {
		m.clearProcessSample(info.PID)
		return nil
	}
	timesStat, err := proc.TimesWithContext(ctx)
	if err != nil {
		m.clearProcessSample(info.PID)
		return nil
	}
	cpuPercent := m.computeProcessCPUPercent(info.PID, timesStat.Total(), hostDelta)

	var rss uint64
	var memPercent float64
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		rss = memInfo.RSS
		if memTotal > 0 {
			memPercent = clampFloat((float64(rss)/float64(memTotal))*100, 0, 100)
		}
	}

	return &models.ProcessResourceUsage{
		PID:            info.PID,
		SessionID:      info.SessionID,
		Type:           info.Type,
		CPUPercent:     cpuPercent,
		MemoryPercent:  memPercent,
		MemoryRSSBytes: rss,
		SampledAt:      time.Now(),
	}
}

func (m *Manager) computeProcessCPUPercent(pid int, total, hostDelta float64) float64 {
	prev := m.storeProcessSample(pid, total)
	if prev == 0 || hostDelta <= 0 {
		return 0
	}
	delta := total - prev
	if delta <= 0 {
		return 0
	}
	pct := (delta / hostDelta) * 100
	return clampFloat(pct, 0, float64(runtime.NumCPU())*100)
}

func (m *Manager) storeProcessSample(pid int, total float64) float64 {
	m.telemetryMu.Lock()
	defer m.telemetryMu.Unlock()
	prev := m.processCPUTimes[pid]
	m.processCPUTimes[pid] = total
	return prev
}

func (m *Manager) clearProcessSample(pid int) {
	m.telemetryMu.Lock()
	delete(m.processCPUTimes, pid)
	m.telemetryMu.Unlock()
}

func cpuTotal(stat cpu.TimesStat) float64 {
	return stat.User + stat.System + stat.Nice + stat.Idle + stat.Iowait + stat.Irq + stat.Softirq + stat.Steal + stat.Guest + stat.GuestNice
}

func (m *Manager) updateCPUSample(total, idle float64) (float64, float64, bool) {
	m.telemetryMu.Lock()
	defer m.telemetryMu.Unlock()
	deltaTotal := total - m.lastCPUTotal
	deltaIdle := idle - m.lastCPUIdle
	hasPrev := m.lastCPUTotal > 0
	m.lastCPUTotal = total
	m.lastCPUIdle = idle
	return deltaTotal, deltaIdle, hasPrev
}

func computeHealth(usages ...float64) float64 {
	maxUsage := 0.0
	for _, v := range usages {
		if v > maxUsage {
			maxUsage = v
		}
	}
	return clampFloat(100-maxUsage, 0, 100)
}

func clampFloat(val, min, max float64) float64 {
	if math.IsNaN(val) {
		return min
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// Telemetry returns copies of the last host sample and per-process usage, ordered by PID.
func (m *Manager) Telemetry() Telemetry {
	m.telemetryMu.RLock()
	defer m.telemetryMu.RUnlock()
	out := Telemetry{Processes: make([]*models.ProcessResourceUsage, 0, len(m.processUsage))}
	if m.systemTelemetry != nil {
		snap := *m.systemTelemetry
		out.System = &snap
	}
	for _, u := range m.processUsage {
		out.Processes = append(out.Processes, u.Copy())
	}
	sort.Slice(out.Processes, func(i, j int) bool { return out.Processes[i].PID < out.Processes[j].PID })
	return out
}

// SystemHealthPercent returns the most recent health score (0-100).
func (m *Manager) SystemHealthPercent() float64 {
	t := m.Telemetry()
	if t.System == nil {
		return 100
	}
	return clampFloat(t.System.HealthPercent, 0, 100)
}
