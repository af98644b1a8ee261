package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SetReportsFlips(t *testing.T) {
	g := NewGate()
	assert.False(t, g.IsOpen())
	assert.False(t, g.Set(false))
	assert.True(t, g.Set(true))
	assert.False(t, g.Set(true))
	assert.True(t, g.IsOpen())
	assert.True(t, g.Set(false))
}

func TestGate_ChangedClosesOnFlip(t *testing.T) {
	g := NewGate()
	ch := g.Changed()

	select {
	case <-ch:
		t.Fatal("changed before any flip")
	default:
	}

	g.Set(true)
	select {
	case <-ch:
	default:
		t.Fatal("changed not closed after flip")
	}
	assert.NotEqual(t, ch, g.Changed())
}

func TestGate_WaitOpenBroadcasts(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const waiters = 5
	done := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() { done <- g.WaitOpen(ctx) }()
	}

	time.Sleep(20 * time.Millisecond)
	g.Set(true)
	for i := 0; i < waiters; i++ {
		require.NoError(t, <-done)
	}

	// Level-triggered: waiting on an open gate returns at once.
	assert.NoError(t, g.WaitOpen(ctx))
}

func TestGate_WaitClosed(t *testing.T) {
	g := NewGate()
	g.Set(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Set(false)
	}()
	assert.NoError(t, g.WaitClosed(ctx))
}

func TestGate_WaitHonoursContext(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.WaitOpen(ctx), context.DeadlineExceeded)
}
