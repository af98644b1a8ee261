package market

import (
	"context"
	"sync"
)

// Gate is a level-triggered open/closed signal shared by many goroutines.
type Gate struct {
	mu      sync.Mutex
	open    bool
	changed chan struct{}
}

func NewGate() *Gate {
	return &Gate{changed: make(chan struct{})}
}

// Set records the market state and reports whether it flipped.
func (g *Gate) Set(open bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open == open {
		return false
	}
	g.open = open
	close(g.changed)
	g.changed = make(chan struct{})
	return true
}

func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Changed returns a channel that is closed at the next flip.
func (g *Gate) Changed() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

// WaitOpen blocks until the gate is open or ctx ends.
func (g *Gate) WaitOpen(ctx context.Context) error {
	return g.wait(ctx, true)
}

// WaitClosed blocks until the gate is closed or ctx ends.
func (g *Gate) WaitClosed(ctx context.Context) error {
	return g.wait(ctx, false)
}

func (g *Gate) wait(ctx context.Context, want bool) error {
	for {
		g.mu.Lock()
		open, changed := g.open, g.changed
		g.mu.Unlock()
		if open == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
