package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/driver"
	"github.com/deskforge/deskd/internal/models"
	"github.com/deskforge/deskd/internal/router"
	"github.com/deskforge/deskd/internal/storage"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Lanes = 2
	cfg.MaxAttempts = 5
	cfg.Backoff = Backoff{Base: 2 * time.Millisecond, Multiplier: 2, Cap: 10 * time.Millisecond}
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxPolls = 400
	cfg.SweepInterval = time.Hour // swept manually in tests
	cfg.Retention = time.Hour
	return cfg
}

type harness struct {
	store *storage.BadgerStore
	fake  *driver.Fake
	ctrl  *Controller
	ctx   context.Context
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := driver.NewFake()
	ctrl := New(store, fake, nil, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ctrl.Run(ctx)

	return &harness{store: store, fake: fake, ctrl: ctrl, ctx: ctx}
}

func (h *harness) create(t *testing.T, id string, ttl time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	d := &models.Desktop{
		ID:         id,
		Owner:      "owner-1",
		Image:      "deskforge/desktop:latest",
		Desired:    models.DesiredPresent,
		Phase:      models.PhasePending,
		Generation: 1,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	require.NoError(t, h.store.Put(h.ctx, d))
}

// terminate flips desired state to absent, retrying stale rejections the
// way the API layer's caller would.
func (h *harness) terminate(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := h.store.Get(h.ctx, id)
		if err != nil {
			return false
		}
		if d.Desired == models.DesiredAbsent {
			return true
		}
		next := d.Clone()
		next.Desired = models.DesiredAbsent
		next.Generation = d.Generation + 1
		err = h.store.Put(h.ctx, next)
		return err == nil
	}, 5*time.Second, time.Millisecond)
}

func (h *harness) waitPhase(t *testing.T, id string, phase models.Phase) *models.Desktop {
	t.Helper()
	var got *models.Desktop
	require.Eventually(t, func() bool {
		d, err := h.store.Get(h.ctx, id)
		if err != nil {
			return false
		}
		got = d
		return d.Phase == phase
	}, 5*time.Second, time.Millisecond, "waiting for %s to reach %s", id, phase)
	return got
}

func TestLifecycleCreateRunTerminate(t *testing.T) {
	h := newHarness(t, fastConfig())

	rt := router.New(h.store, zap.NewNop())
	go rt.Run(h.ctx)

	h.create(t, "d1", time.Hour)

	running := h.waitPhase(t, "d1", models.PhaseRunning)
	assert.Equal(t, "10.0.0.5:5900", running.Endpoint)
	assert.Nil(t, running.LastError)

	require.Eventually(t, func() bool {
		ep, err := rt.Resolve("d1")
		return err == nil && ep == "10.0.0.5:5900"
	}, 5*time.Second, time.Millisecond)

	h.terminate(t, "d1")

	terminated := h.waitPhase(t, "d1", models.PhaseTerminated)
	assert.Empty(t, terminated.Endpoint)
	assert.Equal(t, 0, h.fake.SandboxCount())

	require.Eventually(t, func() bool {
		_, err := rt.Resolve("d1")
		return errors.Is(err, router.ErrGone)
	}, 5*time.Second, time.Millisecond)
}

func TestPhaseSequenceIsLegal(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.fake.ReadyAfter = 2

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	ch, err := h.store.Watch(ctx, storage.Filter{}, 0)
	require.NoError(t, err)

	h.create(t, "d1", time.Hour)
	h.waitPhase(t, "d1", models.PhaseRunning)
	h.terminate(t, "d1")
	h.waitPhase(t, "d1", models.PhaseTerminated)

	legal := map[models.Phase][]models.Phase{
		models.PhasePending:      {models.PhaseProvisioning, models.PhaseStopping, models.PhaseFailed},
		models.PhaseProvisioning: {models.PhaseRunning, models.PhaseStopping, models.PhaseFailed},
		models.PhaseRunning:      {models.PhaseStopping},
		models.PhaseStopping:     {models.PhaseTerminated, models.PhaseFailed},
	}
	var prev models.Phase
	first := true
	deadline := time.After(5 * time.Second)
	for prev != models.PhaseTerminated {
		select {
		case ev := <-ch:
			cur := ev.Desktop.Phase
			if first {
				assert.Equal(t, models.PhasePending, cur)
				first = false
			} else if cur != prev {
				assert.Contains(t, legal[prev], cur, "transition %s -> %s", prev, cur)
			}
			prev = cur
		case <-deadline:
			t.Fatalf("terminated event never delivered, last phase %s", prev)
		}
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.fake.FailCreate(driver.Permanentf("create", "invalid image"))

	h.create(t, "d1", time.Hour)

	failed := h.waitPhase(t, "d1", models.PhaseFailed)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "permanent", failed.LastError.Code)
	assert.Contains(t, failed.LastError.Message, "invalid image")

	// Classification is final: no further create attempts.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.fake.CreateCalls())
	assert.Equal(t, 0, h.fake.SandboxCount())
}

func TestTransientErrorsRetryThenSucceed(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.fake.FailCreate(
		driver.Transientf("create", "quota exceeded"),
		driver.Transientf("create", "quota exceeded"),
		driver.Transientf("create", "quota exceeded"),
	)

	h.create(t, "d1", time.Hour)

	running := h.waitPhase(t, "d1", models.PhaseRunning)
	assert.Equal(t, "10.0.0.5:5900", running.Endpoint)
	assert.Equal(t, 4, h.fake.CreateCalls())
	assert.Equal(t, 1, h.fake.SandboxCount())
}

func TestRetryBudgetEscalatesToFailed(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	h := newHarness(t, cfg)
	for i := 0; i < 10; i++ {
		h.fake.FailCreate(driver.Transientf("create", "substrate unavailable"))
	}

	h.create(t, "d1", time.Hour)

	failed := h.waitPhase(t, "d1", models.PhaseFailed)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "retry_exhausted", failed.LastError.Code)
	// Initial attempt plus MaxAttempts retries, then nothing more.
	assert.Equal(t, cfg.MaxAttempts+1, h.fake.CreateCalls())
}

func TestExpiryReclaimsWithoutExternalWrite(t *testing.T) {
	h := newHarness(t, fastConfig())

	h.create(t, "d1", 10*time.Millisecond)
	h.waitPhase(t, "d1", models.PhaseRunning)

	time.Sleep(20 * time.Millisecond)
	h.ctrl.sweepOnce(h.ctx)

	h.waitPhase(t, "d1", models.PhaseTerminated)
	assert.Equal(t, 0, h.fake.SandboxCount())
}

func TestAbsentDuringProvisioningStillConverges(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.fake.ReadyAfter = 10 // keep the create in flight for a while

	h.create(t, "d1", time.Hour)
	h.waitPhase(t, "d1", models.PhaseProvisioning)

	h.terminate(t, "d1")

	h.waitPhase(t, "d1", models.PhaseTerminated)
	assert.Equal(t, 0, h.fake.SandboxCount())
}

func TestTerminateDuringCreateTearsDownSandbox(t *testing.T) {
	h := newHarness(t, fastConfig())
	gate := make(chan struct{})
	h.fake.CreateGate = gate

	h.create(t, "d1", time.Hour)

	// Park the first create in flight, then land the owner's terminate
	// so the provisioning commit loses the generation race.
	require.Eventually(t, func() bool {
		return h.fake.CreateCalls() == 1
	}, 5*time.Second, time.Millisecond)
	h.terminate(t, "d1")
	close(gate)

	terminated := h.waitPhase(t, "d1", models.PhaseTerminated)
	assert.Empty(t, terminated.Endpoint)
	assert.Equal(t, 0, h.fake.SandboxCount())
	// The recovery create reuses the in-flight token instead of minting a
	// second sandbox.
	assert.Equal(t, 2, h.fake.CreateCalls())
}

func TestFailedRecordReapCleansSubstrate(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	cfg.Retention = time.Millisecond
	h := newHarness(t, cfg)

	h.create(t, "d1", time.Hour)
	h.waitPhase(t, "d1", models.PhaseRunning)

	// Exhaust the teardown budget so the resource fails while its sandbox
	// is still live.
	h.fake.FailDelete(
		driver.Transientf("delete", "daemon busy"),
		driver.Transientf("delete", "daemon busy"),
		driver.Transientf("delete", "daemon busy"),
		driver.Transientf("delete", "daemon busy"),
	)
	h.terminate(t, "d1")

	failed := h.waitPhase(t, "d1", models.PhaseFailed)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "retry_exhausted", failed.LastError.Code)
	assert.Equal(t, 1, h.fake.SandboxCount())

	// Reaping the failed record tears the sandbox down first.
	time.Sleep(5 * time.Millisecond)
	h.ctrl.sweepOnce(h.ctx)

	require.Eventually(t, func() bool {
		_, err := h.store.Get(h.ctx, "d1")
		return errors.Is(err, storage.ErrNotFound)
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, h.fake.SandboxCount())
}

func TestTerminalRecordsReapedAfterRetention(t *testing.T) {
	cfg := fastConfig()
	cfg.Retention = time.Millisecond
	h := newHarness(t, cfg)

	h.create(t, "d1", time.Hour)
	h.waitPhase(t, "d1", models.PhaseRunning)
	h.terminate(t, "d1")
	h.waitPhase(t, "d1", models.PhaseTerminated)

	time.Sleep(5 * time.Millisecond)
	h.ctrl.sweepOnce(h.ctx)

	require.Eventually(t, func() bool {
		_, err := h.store.Get(h.ctx, "d1")
		return errors.Is(err, storage.ErrNotFound)
	}, 5*time.Second, time.Millisecond)
}

func TestReadiness(t *testing.T) {
	h := newHarness(t, fastConfig())
	require.Eventually(t, func() bool {
		return h.ctrl.Ready()
	}, 5*time.Second, time.Millisecond)
}

func TestStaleEventDiscarded(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.create(t, "d1", time.Hour)
	h.waitPhase(t, "d1", models.PhaseRunning)

	// An item carrying an older generation than the stored record must be
	// dropped without driver work.
	before := h.fake.CreateCalls()
	h.ctrl.enqueue(h.ctx, item{id: "d1", gen: 1})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, h.fake.CreateCalls())

	d, err := h.store.Get(h.ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRunning, d.Phase)
}
