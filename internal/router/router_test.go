package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/models"
	"github.com/deskforge/deskd/internal/storage"
)

func newTestRouter(t *testing.T) (*Router, *storage.BadgerStore, context.Context) {
	t.Helper()
	store, err := storage.NewBadgerStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rt := New(store, zap.NewNop())
	go rt.Run(ctx)
	return rt, store, ctx
}

func put(t *testing.T, store storage.Store, ctx context.Context, d *models.Desktop) {
	t.Helper()
	require.NoError(t, store.Put(ctx, d))
}

func desktop(id string, gen uint64, phase models.Phase, endpoint string) *models.Desktop {
	return &models.Desktop{
		ID:         id,
		Owner:      "owner-1",
		Desired:    models.DesiredPresent,
		Phase:      phase,
		Endpoint:   endpoint,
		Generation: gen,
	}
}

func TestResolveOutcomes(t *testing.T) {
	rt, store, ctx := newTestRouter(t)

	_, err := rt.Resolve("unknown")
	assert.ErrorIs(t, err, ErrGone)

	put(t, store, ctx, desktop("d1", 1, models.PhasePending, ""))
	require.Eventually(t, func() bool {
		_, err := rt.Resolve("d1")
		return errors.Is(err, ErrNotReady)
	}, 5*time.Second, time.Millisecond)

	put(t, store, ctx, desktop("d1", 2, models.PhaseRunning, "10.0.0.5:5900"))
	require.Eventually(t, func() bool {
		ep, err := rt.Resolve("d1")
		return err == nil && ep == "10.0.0.5:5900"
	}, 5*time.Second, time.Millisecond)

	put(t, store, ctx, desktop("d1", 3, models.PhaseStopping, ""))
	require.Eventually(t, func() bool {
		_, err := rt.Resolve("d1")
		return errors.Is(err, ErrGone)
	}, 5*time.Second, time.Millisecond)
}

func TestResolveAtomicUnderTransitions(t *testing.T) {
	rt, store, ctx := newTestRouter(t)

	put(t, store, ctx, desktop("d1", 1, models.PhasePending, ""))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Hammer Resolve while the record cycles through its transitions. An
	// endpoint must never be paired with a non-running phase, and running
	// must never come back empty.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ep, err := rt.Resolve("d1")
			if err == nil {
				assert.NotEmpty(t, ep)
			} else {
				assert.Empty(t, ep)
			}
		}
	}()

	gen := uint64(1)
	for cycle := 0; cycle < 50; cycle++ {
		gen++
		put(t, store, ctx, desktop("d1", gen, models.PhaseProvisioning, ""))
		gen++
		put(t, store, ctx, desktop("d1", gen, models.PhaseRunning, "10.0.0.5:5900"))
		gen++
		put(t, store, ctx, desktop("d1", gen, models.PhaseStopping, ""))
	}
	close(stop)
	wg.Wait()
}

func TestDeleteEvictsFromIndex(t *testing.T) {
	rt, store, ctx := newTestRouter(t)

	put(t, store, ctx, desktop("d1", 1, models.PhaseRunning, "10.0.0.5:5900"))
	require.Eventually(t, func() bool {
		_, err := rt.Resolve("d1")
		return err == nil
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, store.Delete(ctx, "d1"))
	require.Eventually(t, func() bool {
		_, err := rt.Resolve("d1")
		return errors.Is(err, ErrGone)
	}, 5*time.Second, time.Millisecond)
}

func TestSnapshotThenWatchOverlap(t *testing.T) {
	store, err := storage.NewBadgerStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Records exist before the router starts; the snapshot must pick them
	// up and replayed events must not regress newer state.
	put(t, store, ctx, desktop("d1", 1, models.PhasePending, ""))
	put(t, store, ctx, desktop("d1", 2, models.PhaseRunning, "10.0.0.5:5900"))

	rt := New(store, zap.NewNop())
	go rt.Run(ctx)

	require.Eventually(t, func() bool {
		ep, err := rt.Resolve("d1")
		return err == nil && ep == "10.0.0.5:5900"
	}, 5*time.Second, time.Millisecond)
}
