// Package router maps an inbound session id to the network address of its
// running sandbox. The index is advisory: it is rebuilt from the store's
// watch stream and never treated as ground truth.
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/models"
	"github.com/deskforge/deskd/internal/storage"
)

var (
	// ErrNotReady means the sandbox exists but has no endpoint yet; the
	// caller decides whether to poll.
	ErrNotReady = errors.New("desktop not ready")

	// ErrGone means traffic for this id can never be routed again: the
	// sandbox is stopping, terminal, or unknown.
	ErrGone = errors.New("desktop gone")
)

var resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "deskd_router_resolutions_total",
	Help: "Resolve calls by outcome.",
}, []string{"outcome"})

// entry is an immutable whole-record snapshot; Resolve swaps pointers, so
// a caller can never observe a phase from one write and an endpoint from
// another.
type entry struct {
	phase      models.Phase
	endpoint   string
	generation uint64
}

type Router struct {
	store  storage.Store
	logger *zap.Logger

	mu    sync.RWMutex
	index map[string]*entry
}

func New(store storage.Store, logger *zap.Logger) *Router {
	return &Router{
		store:  store,
		logger: logger,
		index:  make(map[string]*entry),
	}
}

// Run builds the index from a snapshot and keeps it current from the watch
// stream until ctx ends. Events older than the snapshot are discarded by
// generation, so replay and snapshot can overlap safely.
func (r *Router) Run(ctx context.Context) error {
	resume := r.store.LastSeq()
	all, err := r.store.List(ctx, storage.Filter{})
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, d := range all {
		r.index[d.ID] = &entry{phase: d.Phase, endpoint: d.Endpoint, generation: d.Generation}
	}
	r.mu.Unlock()

	for {
		ch, err := r.store.Watch(ctx, storage.Filter{}, resume)
		if err != nil {
			r.logger.Error("router watch open failed", zap.Error(err))
		} else {
			for ev := range ch {
				resume = ev.Seq
				r.apply(ev)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Router) apply(ev storage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := ev.Desktop
	if ev.Type == storage.EventDelete {
		delete(r.index, d.ID)
		return
	}
	if cur, ok := r.index[d.ID]; ok && cur.generation >= d.Generation {
		return
	}
	r.index[d.ID] = &entry{phase: d.Phase, endpoint: d.Endpoint, generation: d.Generation}
}

// Resolve returns the endpoint for a running desktop. This is the traffic
// hot path: one map read, no store round-trip.
func (r *Router) Resolve(id string) (string, error) {
	r.mu.RLock()
	e, ok := r.index[id]
	r.mu.RUnlock()

	if !ok {
		resolutionsTotal.WithLabelValues("gone").Inc()
		return "", ErrGone
	}
	switch e.phase {
	case models.PhaseRunning:
		resolutionsTotal.WithLabelValues("ok").Inc()
		return e.endpoint, nil
	case models.PhasePending, models.PhaseProvisioning:
		resolutionsTotal.WithLabelValues("not_ready").Inc()
		return "", ErrNotReady
	default: // stopping, terminated, failed
		resolutionsTotal.WithLabelValues("gone").Inc()
		return "", ErrGone
	}
}
