package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenDerivation(t *testing.T) {
	assert.Equal(t, "d1/3", Token("d1", 3))
	assert.NotEqual(t, Token("d1", 1), Token("d1", 2))
	assert.NotEqual(t, Token("d1", 1), Token("d2", 1))
}

func TestCreateIdempotentUnderToken(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	spec := Spec{ID: "d1", Image: "img", Token: Token("d1", 1)}

	h1, err := f.Create(ctx, spec)
	require.NoError(t, err)
	h2, err := f.Create(ctx, spec)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, f.SandboxCount())

	// A new generation is a new sandbox attempt.
	h3, err := f.Create(ctx, Spec{ID: "d1", Image: "img", Token: Token("d1", 2)})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsPermanent(classify("create", errdefs.InvalidParameter(base))))
	assert.True(t, IsPermanent(classify("create", errdefs.NotFound(base))))
	assert.False(t, IsPermanent(classify("create", errdefs.Conflict(base))))
	assert.False(t, IsPermanent(classify("create", base)))

	// Unclassified errors default to retryable.
	assert.False(t, IsPermanent(base))
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("quota exhausted")
	err := &Error{Kind: Transient, Op: "create", Err: base}
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "transient")

	assert.True(t, IsPermanent(Permanentf("create", "bad spec")))
	assert.False(t, IsPermanent(Transientf("create", "daemon busy")))
}

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	f.ReadyAfter = 1
	ctx := context.Background()

	h, err := f.Create(ctx, Spec{ID: "d1", Image: "img", Token: Token("d1", 1)})
	require.NoError(t, err)

	obs, err := f.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StateCreating, obs.State)

	obs, err = f.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StateReady, obs.State)
	assert.Equal(t, "10.0.0.5:5900", obs.Endpoint)

	require.NoError(t, f.Delete(ctx, h))
	obs, err = f.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, obs.State)

	// Idempotent teardown.
	require.NoError(t, f.Delete(ctx, h))
}
