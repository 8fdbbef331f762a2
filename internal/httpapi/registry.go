package httpapi

import (
	"sync"

	"github.com/tachyon-beep/elspeth-sub005/internal/audit/model"
)

// ProgressRegistry is the in-process ProgressSource cmd/elspethd wires
// into both the orchestrator's onProgress callback and the httpapi
// Server. One registry is shared across every run a process drives.
type ProgressRegistry struct {
	mu        sync.RWMutex
	status    map[string]model.RunStatus
	latest    map[string]model.ProgressEvent
	listeners map[string][]chan model.ProgressEvent
}

// NewProgressRegistry constructs an empty registry.
func NewProgressRegistry() *ProgressRegistry {
	return &ProgressRegistry{
		status:    make(map[string]model.RunStatus),
		latest:    make(map[string]model.ProgressEvent),
		listeners: make(map[string][]chan model.ProgressEvent),
	}
}

// SetStatus records a run's current status. cmd/elspethd calls it before a
// run starts and again with the status Run returns.
func (p *ProgressRegistry) SetStatus(runID string, status model.RunStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[runID] = status
}

// Publish records the latest progress snapshot for runID and fans it out
// to every active subscriber. A slow or absent subscriber never blocks
// the run — sends are non-blocking and drop the event for that listener
// if its buffer is full, since LatestProgress always has the freshest
// value regardless of what the stream delivered.
func (p *ProgressRegistry) Publish(runID string, event model.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest[runID] = event
	for _, ch := range p.listeners[runID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// RunStatus implements ProgressSource.
func (p *ProgressRegistry) RunStatus(runID string) (model.RunStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.status[runID]
	return s, ok
}

// LatestProgress implements ProgressSource.
func (p *ProgressRegistry) LatestProgress(runID string) (model.ProgressEvent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.latest[runID]
	return e, ok
}

// Subscribe implements ProgressSource. The returned func must be called
// exactly once to release the subscription.
func (p *ProgressRegistry) Subscribe(runID string) (<-chan model.ProgressEvent, func()) {
	ch := make(chan model.ProgressEvent, 16)
	p.mu.Lock()
	p.listeners[runID] = append(p.listeners[runID], ch)
	p.mu.Unlock()

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.listeners[runID]
		for i, c := range subs {
			if c == ch {
				p.listeners[runID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}
