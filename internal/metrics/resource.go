package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// ResourceSampler periodically refreshes the host CPU/memory/disk gauges
// from gopsutil, so an operator watching Grafana can correlate a slow run
// with host pressure rather than only engine-level counters.
type ResourceSampler struct {
	metrics  *Metrics
	diskPath string
	interval time.Duration
	log      *logrus.Entry
}

// NewResourceSampler constructs a sampler that reports the disk usage of
// diskPath (the payload store's base directory) alongside host CPU/memory.
func NewResourceSampler(m *Metrics, diskPath string, interval time.Duration, log *logrus.Entry) *ResourceSampler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ResourceSampler{metrics: m, diskPath: diskPath, interval: interval, log: log}
}

// Run samples on a ticker until ctx is cancelled. Intended to be launched
// in its own goroutine from cmd/elspethd alongside the HTTP server.
func (s *ResourceSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *ResourceSampler) sampleOnce(ctx context.Context) {
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.metrics.ResourceCPUPercent.Set(pct[0])
	} else if err != nil {
		s.log.WithError(err).Debug("metrics: cpu sample failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.metrics.ResourceMemoryPercent.Set(vm.UsedPercent)
	} else {
		s.log.WithError(err).Debug("metrics: memory sample failed")
	}

	if du, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		s.metrics.ResourceDiskPercent.Set(du.UsedPercent)
	} else {
		s.log.WithError(err).Debug("metrics: disk sample failed")
	}
}
