package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffStrictlyIncreasesUpToCap(t *testing.T) {
	b := Backoff{Base: 200 * time.Millisecond, Multiplier: 2, Cap: 30 * time.Second}

	prev := time.Duration(0)
	for n := 1; ; n++ {
		d := b.Delay(n)
		if d == b.Cap {
			// Capped from here on.
			assert.Equal(t, b.Cap, b.Delay(n+1))
			break
		}
		assert.Greater(t, d, prev, "attempt %d", n)
		prev = d
		if n > 20 {
			t.Fatal("cap never reached")
		}
	}
}

func TestBackoffJitterStaysUnderCeiling(t *testing.T) {
	b := DefaultBackoff()
	for n := 1; n <= 12; n++ {
		ceiling := b.ceiling(n)
		for i := 0; i < 50; i++ {
			d := b.Delay(n)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestBackoffFirstAttemptClamped(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Multiplier: 2, Cap: time.Second}
	assert.Equal(t, b.Delay(1), b.Delay(0))
}
