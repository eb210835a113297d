package workers

import (
	"chat-relay/contract"
	"chat-relay/repositories"
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// HealthSnapshot is what the monitor observes on every tick.
type HealthSnapshot struct {
	Connections int
	Users       int
	Messages    int
	CPUPercent  float64
	RSSBytes    uint64
	Healthy     bool
}

// HealthMonitoringWorker periodically logs process usage and live presence,
// and reports whether the message store still answers.
type HealthMonitoringWorker struct {
	log            *slog.Logger
	registry       contract.IRegistry
	messages       repositories.IMessageRepository
	metricInterval time.Duration
	onCheck        func(HealthSnapshot)
	proc           *process.Process
}

// NewHealthMonitoringWorker builds the monitor. onCheck may be nil.
func NewHealthMonitoringWorker(
	log *slog.Logger,
	registry contract.IRegistry,
	messages repositories.IMessageRepository,
	metricInterval time.Duration,
	onCheck func(HealthSnapshot),
) *HealthMonitoringWorker {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Debug("Error while retrieving own process", "pid", os.Getpid(), "err", err)
	}
	return &HealthMonitoringWorker{
		log:            log,
		registry:       registry,
		messages:       messages,
		metricInterval: metricInterval,
		onCheck:        onCheck,
		proc:           proc,
	}
}

func (w *HealthMonitoringWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.metricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping health monitoring")
			return nil
		case <-ticker.C:
			snapshot := w.Check(ctx)
			if w.onCheck != nil {
				w.onCheck(snapshot)
			}
		}
	}
}

// Check takes one snapshot. Process metrics are best effort; only the store decides health.
func (w *HealthMonitoringWorker) Check(ctx context.Context) HealthSnapshot {
	var snapshot HealthSnapshot
	snapshot.Connections, snapshot.Users = w.registry.Stats()

	count, err := w.messages.Count(ctx)
	if err != nil {
		w.log.Error("Message store is not answering", "err", err)
	} else {
		snapshot.Messages = count
		snapshot.Healthy = true
	}

	if w.proc != nil {
		if cpu, err := w.proc.CPUPercent(); err != nil {
			w.log.Debug("Error while finding process cpu usage", "err", err)
		} else {
			snapshot.CPUPercent = cpu
		}
		if mem, err := w.proc.MemoryInfo(); err != nil {
			w.log.Debug("Error while finding process memory usage", "err", err)
		} else {
			snapshot.RSSBytes = mem.RSS
		}
	}

	w.log.Info("Health",
		"connections", snapshot.Connections,
		"users", snapshot.Users,
		"messages", snapshot.Messages,
		"cpu_percent", snapshot.CPUPercent,
		"rss_bytes", snapshot.RSSBytes,
		"healthy", snapshot.Healthy)
	return snapshot
}
