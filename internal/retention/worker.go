package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Worker runs a Manager's find-then-purge pass on a cron schedule, in the
// spirit of the teacher's internal/marble.Worker lifecycle (Start/Stop,
// a running flag guarded by a mutex) but driven by a cron expression
// instead of a fixed ticker interval, since purge is a maintenance job
// operators schedule for off-peak hours rather than a tight polling loop.
type Worker struct {
	manager       *Manager
	schedule      string
	retentionDays int
	log           *logrus.Entry

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// WorkerConfig configures a scheduled purge Worker.
type WorkerConfig struct {
	// Schedule is a standard five-field cron expression, e.g. "0 3 * * *"
	// for daily at 03:00.
	Schedule      string
	RetentionDays int
	Log           *logrus.Entry
}

// NewWorker constructs a Worker bound to manager. It does not start
// scheduling until Start is called.
func NewWorker(manager *Manager, cfg WorkerConfig) *Worker {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		manager:       manager,
		schedule:      cfg.Schedule,
		retentionDays: cfg.RetentionDays,
		log:           log,
		cron:          cron.New(),
	}
}

// Start registers the purge job and begins the cron scheduler. Calling
// Start twice returns an error rather than silently double-scheduling.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("retention: worker already running")
	}
	w.running = true
	w.mu.Unlock()

	_, err := w.cron.AddFunc(w.schedule, func() { w.runOnce(ctx) })
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("retention: schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	<-w.cron.Stop().Done()
}

func (w *Worker) runOnce(ctx context.Context) {
	asOf := time.Now().UTC()
	refs, err := w.manager.FindExpiredPayloadRefs(ctx, w.retentionDays, asOf)
	if err != nil {
		w.log.WithError(err).Warn("retention: find expired payload refs failed")
		return
	}
	if len(refs) == 0 {
		return
	}
	result, err := w.manager.PurgePayloads(ctx, refs)
	if err != nil {
		w.log.WithError(err).Warn("retention: purge payloads failed")
		return
	}
	w.log.WithFields(logrus.Fields{
		"deleted_count":    result.DeletedCount,
		"bytes_freed":      result.BytesFreed,
		"skipped_count":    result.SkippedCount,
		"failed_count":     len(result.FailedRefs),
		"duration_seconds": result.DurationSeconds,
	}).Info("retention: purge pass complete")
}
