// Package retention implements the Retention / Purge subsystem (spec
// §4.13): discovering payload refs no run still needs and deleting them
// from the blob store while the audit database's hashes — the permanent
// record that a row or call existed with a given content — are left
// untouched.
package retention

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit"
	"github.com/tachyon-beep/elspeth-sub005/internal/payload"
)

// maxConcurrentDeletes bounds how many blob deletes run at once. Purge runs
// are infrequent maintenance work, not on any row's critical path, so this
// favors backpressure on the blob store over throughput.
const maxConcurrentDeletes = 8

// Manager finds and purges expired payload refs.
type Manager struct {
	recorder *audit.Recorder
	store    payload.Store
}

// New constructs a Manager bound to recorder and store.
func New(recorder *audit.Recorder, store payload.Store) *Manager {
	return &Manager{recorder: recorder, store: store}
}

// FindExpiredPayloadRefs returns every payload ref older than retentionDays
// (relative to asOf) that no run still within the retention window
// references. The join is scoped through node_states.run_id inside the
// recorder, never through nodes — see audit.Recorder.FindExpiredPayloadRefs
// for why a node_id's reuse across runs makes that distinction
// correctness-critical.
func (m *Manager) FindExpiredPayloadRefs(ctx context.Context, retentionDays int, asOf time.Time) ([]string, error) {
	refs, err := m.recorder.FindExpiredPayloadRefs(ctx, retentionDays, asOf)
	if err != nil {
		return nil, fmt.Errorf("retention: find expired payload refs: %w", err)
	}
	return refs, nil
}

// PurgeResult summarizes one purge pass.
type PurgeResult struct {
	DeletedCount    int
	BytesFreed      int64
	SkippedCount    int
	FailedRefs      []string
	DurationSeconds float64
}

// PurgePayloads deletes every ref from the blob store, bounding concurrency
// via errgroup so a purge of many thousands of refs does not open an
// unbounded number of simultaneous blob-store connections. A ref the store
// no longer has is skipped, not failed — another purge pass, a manual
// cleanup, or the store's own eviction may have already removed it. A ref
// that exists but whose delete call errors is recorded in FailedRefs so the
// caller can retry just those.
func (m *Manager) PurgePayloads(ctx context.Context, refs []string) (PurgeResult, error) {
	start := time.Now()
	if len(refs) == 0 {
		return PurgeResult{DurationSeconds: time.Since(start).Seconds()}, nil
	}

	type outcome struct {
		ref     string
		deleted bool
		failed  bool
		bytes   int64
	}
	results := make([]outcome, len(refs))

	sized, hasSizing := m.store.(interface {
		DeleteSized(ctx context.Context, hexHash string) (bool, int64, error)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDeletes)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			var deleted bool
			var freed int64
			var err error
			if hasSizing {
				deleted, freed, err = sized.DeleteSized(gctx, ref)
			} else {
				deleted, err = m.store.Delete(gctx, ref)
			}
			if err != nil {
				results[i] = outcome{ref: ref, failed: true}
				return nil
			}
			results[i] = outcome{ref: ref, deleted: deleted, bytes: freed}
			return nil
		})
	}
	// errgroup.Go never returns a non-nil error above — failures are
	// recorded per-ref instead of aborting the whole pass — so Wait returns
	// nil and a cancelled ctx is not reported here.
	if err := g.Wait(); err != nil {
		return PurgeResult{}, fmt.Errorf("retention: purge payloads: %w", err)
	}

	var res PurgeResult
	for _, o := range results {
		switch {
		case o.failed:
			res.FailedRefs = append(res.FailedRefs, o.ref)
		case o.deleted:
			res.DeletedCount++
			res.BytesFreed += o.bytes
		default:
			res.SkippedCount++
		}
	}
	res.DurationSeconds = time.Since(start).Seconds()
	return res, nil
}
