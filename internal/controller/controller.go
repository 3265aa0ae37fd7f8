// Package controller drives observed desktop state toward desired state.
// It consumes the store's watch stream, invokes the sandbox driver, and is
// the sole writer of observed phase and endpoint.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/driver"
	"github.com/deskforge/deskd/internal/models"
	"github.com/deskforge/deskd/internal/storage"
)

// Publisher is the event-bus surface the controller needs; satisfied by
// the NATS publisher. A nil Publisher disables transition events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

type Config struct {
	// Lanes is the fixed worker-lane count; ids hash onto lanes so work
	// for one id is serialized while unrelated ids proceed in parallel.
	Lanes      int
	QueueDepth int

	// MaxAttempts bounds transient-failure retries per generation before
	// the resource is failed.
	MaxAttempts int
	Backoff     Backoff

	// PollInterval and MaxPolls govern waiting on the substrate while a
	// sandbox is coming up or going away. Polls are not failures and have
	// their own, larger budget.
	PollInterval time.Duration
	MaxPolls     int

	// SweepInterval drives expiry reclamation; Retention is how long
	// terminal records stay queryable before being reaped.
	SweepInterval time.Duration
	Retention     time.Duration

	// StallThreshold is the lane heartbeat age beyond which readiness
	// reports the controller unhealthy.
	StallThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lanes:          8,
		QueueDepth:     64,
		MaxAttempts:    5,
		Backoff:        DefaultBackoff(),
		PollInterval:   2 * time.Second,
		MaxPolls:       150,
		SweepInterval:  30 * time.Second,
		Retention:      time.Hour,
		StallThreshold: 30 * time.Second,
	}
}

type Controller struct {
	store  storage.Store
	drv    driver.Driver
	pub    Publisher
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer

	lanes   []*lane
	watchOK atomic.Bool
}

func New(store storage.Store, drv driver.Driver, pub Publisher, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultConfig().Lanes
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	c := &Controller{
		store:  store,
		drv:    drv,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("deskd/controller"),
	}
	for i := 0; i < cfg.Lanes; i++ {
		ln := &lane{
			idx:     i,
			ch:      make(chan item, cfg.QueueDepth),
			retries: make(map[string]*retryState),
		}
		ln.beat.Store(time.Now().UnixNano())
		c.lanes = append(c.lanes, ln)
	}
	return c
}

// item is one unit of lane work: reconcile the named desktop as of the
// generation that triggered it.
type item struct {
	id   string
	gen  uint64
	gone bool // store delete event: drop local retry state
}

type lane struct {
	idx     int
	ch      chan item
	beat    atomic.Int64
	retries map[string]*retryState // touched only by the lane goroutine
}

// retryState is the per-id budget for the current generation. Superseded
// by any newer generation: the pending timer is cancelled and counters
// reset.
type retryState struct {
	gen      uint64
	attempts int
	polls    int
	lastErr  error
	timer    *time.Timer
}

func (rs *retryState) cancel() {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}

// Run processes the watch stream until ctx ends. It performs a resync pass
// over existing records first so work interrupted by a restart resumes.
func (c *Controller) Run(ctx context.Context) error {
	for _, ln := range c.lanes {
		go c.runLane(ctx, ln)
	}
	go c.sweep(ctx)

	resume := c.store.LastSeq()
	if err := c.resync(ctx); err != nil {
		return err
	}

	for {
		ch, err := c.store.Watch(ctx, storage.Filter{}, resume)
		if err != nil {
			c.logger.Error("watch open failed", zap.Error(err))
		} else {
			c.watchOK.Store(true)
			for ev := range ch {
				resume = ev.Seq
				c.dispatchEvent(ctx, ev)
			}
			c.watchOK.Store(false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("watch stream ended, reconnecting", zap.Uint64("resume", resume))
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// resync enqueues every live record so convergence does not depend on a
// fresh event after a restart.
func (c *Controller) resync(ctx context.Context) error {
	all, err := c.store.List(ctx, storage.Filter{})
	if err != nil {
		return err
	}
	for _, d := range all {
		if d.Phase.Terminal() {
			continue
		}
		c.enqueue(ctx, item{id: d.ID, gen: d.Generation})
	}
	return nil
}

func (c *Controller) dispatchEvent(ctx context.Context, ev storage.Event) {
	it := item{id: ev.Desktop.ID, gen: ev.Desktop.Generation, gone: ev.Type == storage.EventDelete}
	c.enqueue(ctx, it)
}

func (c *Controller) enqueue(ctx context.Context, it item) {
	ln := c.laneFor(it.id)
	select {
	case ln.ch <- it:
		laneQueueDepth.WithLabelValues(strconv.Itoa(ln.idx)).Set(float64(len(ln.ch)))
	case <-ctx.Done():
	}
}

func (c *Controller) laneFor(id string) *lane {
	h := fnv.New32a()
	h.Write([]byte(id))
	return c.lanes[h.Sum32()%uint32(len(c.lanes))]
}

// Ready reports whether the watch stream is connected and no lane has
// stalled beyond the threshold. Exposed to the hosting substrate via the
// API's readiness endpoint.
func (c *Controller) Ready() bool {
	if !c.watchOK.Load() {
		return false
	}
	threshold := c.cfg.StallThreshold
	if threshold <= 0 {
		threshold = DefaultConfig().StallThreshold
	}
	cutoff := time.Now().Add(-threshold).UnixNano()
	for _, ln := range c.lanes {
		if ln.beat.Load() < cutoff {
			return false
		}
	}
	return true
}

func (c *Controller) runLane(ctx context.Context, ln *lane) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, rs := range ln.retries {
				rs.cancel()
			}
			return
		case <-tick.C:
			ln.beat.Store(time.Now().UnixNano())
		case it := <-ln.ch:
			ln.beat.Store(time.Now().UnixNano())
			laneQueueDepth.WithLabelValues(strconv.Itoa(ln.idx)).Set(float64(len(ln.ch)))
			c.process(ctx, ln, it)
		}
	}
}

func (c *Controller) process(ctx context.Context, ln *lane, it item) {
	if it.gone {
		if rs, ok := ln.retries[it.id]; ok {
			rs.cancel()
			delete(ln.retries, it.id)
		}
		return
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "reconcile",
		trace.WithAttributes(attribute.String("desktop.id", it.id)))
	defer span.End()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	rec, err := c.store.Get(ctx, it.id)
	if errors.Is(err, storage.ErrNotFound) {
		if rs, ok := ln.retries[it.id]; ok {
			rs.cancel()
			delete(ln.retries, it.id)
		}
		return
	}
	if err != nil {
		c.logger.Error("load record failed", zap.String("desktop", it.id), zap.Error(err))
		c.scheduleRetry(ctx, ln, it, err)
		return
	}

	// A newer desired-state write already emitted its own event; working
	// on this one would just race it.
	if rec.Generation > it.gen {
		reconcilesTotal.WithLabelValues("stale").Inc()
		return
	}

	// Supersession: a pending retry for an older generation is void.
	if rs, ok := ln.retries[it.id]; ok && rs.gen < rec.Generation {
		rs.cancel()
		delete(ln.retries, it.id)
	}

	span.SetAttributes(
		attribute.String("desktop.phase", string(rec.Phase)),
		attribute.String("desktop.desired", string(rec.Desired)),
	)

	out, err := c.reconcile(ctx, rec)
	switch {
	case err != nil && driver.IsPermanent(err):
		reconcilesTotal.WithLabelValues("error").Inc()
		c.fail(ctx, ln, rec, "permanent", err)
	case err != nil:
		reconcilesTotal.WithLabelValues("retry").Inc()
		c.logger.Warn("transient reconcile failure",
			zap.String("desktop", rec.ID), zap.String("phase", string(rec.Phase)), zap.Error(err))
		c.scheduleRetry(ctx, ln, item{id: rec.ID, gen: rec.Generation}, err)
	case out.requeue:
		reconcilesTotal.WithLabelValues("wait").Inc()
		c.schedulePoll(ctx, ln, item{id: rec.ID, gen: rec.Generation})
	case out.next != nil:
		c.commit(ctx, ln, rec, out.next)
	default:
		reconcilesTotal.WithLabelValues("ok").Inc()
	}
}

// outcome of one reconcile pass: commit next, or wait for the substrate.
type outcome struct {
	next    *models.Desktop
	requeue bool
}

// reconcile executes one step of the state machine. It never writes the
// store; the caller commits with generation gating.
func (c *Controller) reconcile(ctx context.Context, rec *models.Desktop) (outcome, error) {
	if rec.Phase.Terminal() {
		return outcome{}, nil
	}

	if rec.Desired == models.DesiredAbsent {
		return c.reconcileAbsent(ctx, rec)
	}

	switch rec.Phase {
	case models.PhasePending:
		handle, err := c.drv.Create(ctx, driver.Spec{
			ID:    rec.ID,
			Image: rec.Image,
			Token: driver.Token(rec.ID, rec.Generation),
		})
		if err != nil {
			return outcome{}, err
		}
		next := rec.Clone()
		next.Phase = models.PhaseProvisioning
		next.Handle = handle
		return outcome{next: next}, nil

	case models.PhaseProvisioning:
		obs, err := c.drv.Inspect(ctx, rec.Handle)
		if err != nil {
			return outcome{}, err
		}
		switch obs.State {
		case driver.StateReady:
			next := rec.Clone()
			next.Phase = models.PhaseRunning
			next.Endpoint = obs.Endpoint
			next.LastError = nil
			return outcome{next: next}, nil
		case driver.StateStopped:
			return outcome{}, driver.Permanentf("inspect", "sandbox for %s stopped during provisioning", rec.ID)
		default: // creating, or not visible yet
			return outcome{requeue: true}, nil
		}

	default:
		// Running with a live endpoint; expiry is the sweeper's job.
		return outcome{}, nil
	}
}

// reconcileAbsent drives teardown. A delete issued mid-create waits for
// the in-flight create to settle before tearing down, so the two never
// race on the substrate.
func (c *Controller) reconcileAbsent(ctx context.Context, rec *models.Desktop) (outcome, error) {
	switch rec.Phase {
	case models.PhasePending:
		// The owner's write may have landed while a create was in flight;
		// that create's handle was lost with its stale commit. Re-issuing
		// the create under the same token recovers the existing sandbox
		// (or provisions one that teardown immediately reclaims), so a
		// terminate can never strand the substrate.
		gen := rec.Generation
		if gen > 1 {
			gen--
		}
		handle, err := c.drv.Create(ctx, driver.Spec{
			ID:    rec.ID,
			Image: rec.Image,
			Token: driver.Token(rec.ID, gen),
		})
		if err != nil {
			return outcome{}, err
		}
		next := rec.Clone()
		next.Phase = models.PhaseStopping
		next.Handle = handle
		next.Endpoint = ""
		return outcome{next: next}, nil

	case models.PhaseProvisioning:
		obs, err := c.drv.Inspect(ctx, rec.Handle)
		if err != nil {
			return outcome{}, err
		}
		if obs.State == driver.StateCreating {
			return outcome{requeue: true}, nil
		}
		next := rec.Clone()
		next.Phase = models.PhaseStopping
		next.Endpoint = ""
		return outcome{next: next}, nil

	case models.PhaseRunning:
		next := rec.Clone()
		next.Phase = models.PhaseStopping
		next.Endpoint = ""
		return outcome{next: next}, nil

	case models.PhaseStopping:
		if err := c.drv.Delete(ctx, rec.Handle); err != nil {
			return outcome{}, err
		}
		obs, err := c.drv.Inspect(ctx, rec.Handle)
		if err != nil {
			return outcome{}, err
		}
		if obs.State != driver.StateAbsent {
			return outcome{requeue: true}, nil
		}
		next := rec.Clone()
		next.Phase = models.PhaseTerminated
		next.Endpoint = ""
		next.LastError = nil
		return outcome{next: next}, nil
	}
	return outcome{}, nil
}

// commit writes the transition with optimistic concurrency. A stale
// rejection means a newer desired-state write landed first; its own watch
// event carries the work forward, so the rejection is dropped.
func (c *Controller) commit(ctx context.Context, ln *lane, rec, next *models.Desktop) {
	next.Generation = rec.Generation + 1
	err := c.store.Put(ctx, next)
	switch {
	case errors.Is(err, storage.ErrStaleGeneration):
		reconcilesTotal.WithLabelValues("stale").Inc()
	case err != nil:
		c.logger.Error("commit failed", zap.String("desktop", rec.ID), zap.Error(err))
		c.scheduleRetry(ctx, ln, item{id: rec.ID, gen: rec.Generation}, err)
		return
	default:
		reconcilesTotal.WithLabelValues("ok").Inc()
		transitionsTotal.WithLabelValues(string(next.Phase)).Inc()
		c.logger.Info("transition",
			zap.String("desktop", rec.ID),
			zap.String("from", string(rec.Phase)),
			zap.String("to", string(next.Phase)),
			zap.Uint64("generation", next.Generation))
		c.publish(ctx, next)
	}
	if rs, ok := ln.retries[rec.ID]; ok {
		rs.cancel()
		delete(ln.retries, rec.ID)
	}
}

// fail records a permanent failure and stops all further work on this
// generation. Remediation requires a new resource id.
func (c *Controller) fail(ctx context.Context, ln *lane, rec *models.Desktop, code string, cause error) {
	c.logger.Error("resource failed",
		zap.String("desktop", rec.ID), zap.String("code", code), zap.Error(cause))
	next := rec.Clone()
	next.Phase = models.PhaseFailed
	next.Endpoint = ""
	next.LastError = &models.FailureRecord{
		Code:    code,
		Message: cause.Error(),
		Time:    time.Now().UTC(),
	}
	c.commit(ctx, ln, rec, next)
}

func (c *Controller) scheduleRetry(ctx context.Context, ln *lane, it item, cause error) {
	rs := ln.retries[it.id]
	if rs == nil || rs.gen != it.gen {
		if rs != nil {
			rs.cancel()
		}
		rs = &retryState{gen: it.gen}
		ln.retries[it.id] = rs
	}
	rs.attempts++
	rs.lastErr = cause
	if rs.attempts > c.cfg.MaxAttempts {
		rec, err := c.store.Get(ctx, it.id)
		if err != nil || rec.Generation != it.gen {
			return
		}
		c.fail(ctx, ln, rec, "retry_exhausted", cause)
		return
	}
	retriesTotal.Inc()
	delay := c.cfg.Backoff.Delay(rs.attempts)
	rs.cancel()
	rs.timer = time.AfterFunc(delay, func() {
		c.enqueue(ctx, it)
	})
}

// schedulePoll re-inspects the substrate later. Waiting is not a failure
// and has its own budget; exhausting it fails the resource the way a
// provisioning timeout does.
func (c *Controller) schedulePoll(ctx context.Context, ln *lane, it item) {
	rs := ln.retries[it.id]
	if rs == nil || rs.gen != it.gen {
		if rs != nil {
			rs.cancel()
		}
		rs = &retryState{gen: it.gen}
		ln.retries[it.id] = rs
	}
	rs.polls++
	if rs.polls > c.cfg.MaxPolls {
		rec, err := c.store.Get(ctx, it.id)
		if err != nil || rec.Generation != it.gen {
			return
		}
		c.fail(ctx, ln, rec, "timeout", errors.New("substrate did not converge within the poll budget"))
		return
	}
	rs.cancel()
	rs.timer = time.AfterFunc(c.cfg.PollInterval, func() {
		c.enqueue(ctx, it)
	})
}

func (c *Controller) publish(ctx context.Context, d *models.Desktop) {
	if c.pub == nil {
		return
	}
	ev := map[string]any{
		"event":      "desktop." + string(d.Phase),
		"id":         d.ID,
		"owner":      d.Owner,
		"phase":      d.Phase,
		"endpoint":   d.Endpoint,
		"generation": d.Generation,
		"time":       time.Now().Unix(),
	}
	payload, _ := json.Marshal(ev)
	if err := c.pub.Publish(ctx, "desktops.events."+string(d.Phase), payload); err != nil {
		c.logger.Warn("event publish failed", zap.String("desktop", d.ID), zap.Error(err))
	}
}
