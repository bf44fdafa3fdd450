// Package abort tracks in-flight generations so a client can cancel them
// by request id.
package abort

import (
	"context"
	"sync"
	"time"
)

type record struct {
	aborted   bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// Registry maps request ids to their abort state. It is safe for
// concurrent use.
type Registry struct {
	mu   sync.Mutex
	recs map[string]*record
	now  func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{recs: make(map[string]*record), now: time.Now}
}

// Register starts tracking id. cancel, when non-nil, is invoked by Abort so
// a blocked provider read returns promptly.
func (r *Registry) Register(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.recs[id] = &record{cancel: cancel}
	r.mu.Unlock()
}

// MarkStart records the moment abort intent was observed without flipping
// the flag. A later MarkStart overwrites the timestamp; unknown ids are
// ignored.
func (r *Registry) MarkStart(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.recs[id]; rec != nil {
		rec.startedAt = r.now()
	}
}

// Abort flips the flag for a known id and reports whether it was known.
func (r *Registry) Abort(id string) bool {
	r.mu.Lock()
	rec := r.recs[id]
	if rec == nil {
		r.mu.Unlock()
		return false
	}
	rec.aborted = true
	if rec.startedAt.IsZero() {
		rec.startedAt = r.now()
	}
	cancel := rec.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// IsAborted reports the flag; unknown ids are not aborted.
func (r *Registry) IsAborted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recs[id]
	return rec != nil && rec.aborted
}

// StartedAt returns the abort start time, if any.
func (r *Registry) StartedAt(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recs[id]
	if rec == nil || rec.startedAt.IsZero() {
		return time.Time{}, false
	}
	return rec.startedAt, true
}

// Known reports whether id is registered.
func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.recs[id]
	return ok
}

// Clear forgets id.
func (r *Registry) Clear(id string) {
	r.mu.Lock()
	delete(r.recs, id)
	r.mu.Unlock()
}

// ClearAfter forgets id once d has elapsed, giving late abort calls a
// window to land on a finished request.
func (r *Registry) ClearAfter(id string, d time.Duration, before func()) *time.Timer {
	return time.AfterFunc(d, func() {
		if before != nil {
			before()
		}
		r.Clear(id)
	})
}
