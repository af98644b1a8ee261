package market

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRefreshInterval = time.Hour
	DefaultCheckInterval   = 5 * time.Second
)

// Monitor keeps a Gate in step with the market session. One loop refreshes
// the window from the provider; a second compares the clock against it.
type Monitor struct {
	source schwab.MarketHoursSource
	market string
	gate   *Gate
	logger *slog.Logger

	fallback        *CalendarFallback
	refreshInterval time.Duration
	checkInterval   time.Duration
	now             func() time.Time

	mu           sync.RWMutex
	window       Window
	haveProvider bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

func WithRefreshInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.refreshInterval = d
		}
	}
}

func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithCalendarFallback sets the window source used until the provider has
// answered once. Nil disables the fallback.
func WithCalendarFallback(fb *CalendarFallback) MonitorOption {
	return func(m *Monitor) { m.fallback = fb }
}

// WithMarketConfig applies the market section of the configuration.
func WithMarketConfig(cfg schwab.MarketConfig) MonitorOption {
	return func(m *Monitor) {
		if cfg.Name != "" {
			m.market = cfg.Name
		}
		if cfg.RefreshInterval > 0 {
			m.refreshInterval = cfg.RefreshInterval
		}
		if cfg.CheckInterval > 0 {
			m.checkInterval = cfg.CheckInterval
		}
		if cfg.CalendarMIC != "" {
			m.fallback = NewCalendarFallback(cfg.CalendarMIC)
		}
	}
}

// NewMonitor watches the equity market by default.
func NewMonitor(source schwab.MarketHoursSource, gate *Gate, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Monitor{
		source:          source,
		market:          schwab.MarketEquity,
		gate:            gate,
		logger:          logger,
		fallback:        NewCalendarFallback(DefaultCalendarMIC),
		refreshInterval: DefaultRefreshInterval,
		checkInterval:   DefaultCheckInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the window the gate is currently checked against.
func (m *Monitor) Window() Window {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.window
}

// Refresh fetches the window from the provider. On failure the previous
// window stays in force; before any provider answer the calendar window is used.
func (m *Monitor) Refresh(ctx context.Context) error {
	hours, err := m.source.GetMarketHours(ctx, m.market)
	if err != nil {
		m.mu.Lock()
		useFallback := !m.haveProvider && m.fallback != nil
		if useFallback {
			m.window = m.fallback.Window(m.now())
		}
		m.mu.Unlock()
		m.logger.Warn("Market hours refresh failed",
			"function", "Refresh",
			"market", m.market,
			"calendar_fallback", useFallback,
			"error", err)
		return fmt.Errorf("refresh %s market hours: %w", m.market, err)
	}

	w := WindowFromHours(hours)
	m.mu.Lock()
	m.window = w
	m.haveProvider = true
	m.mu.Unlock()

	attrs := []any{"function", "Refresh", "market", m.market, "open", w.Status}
	if w.OpenTime != nil && w.CloseTime != nil {
		attrs = append(attrs, "open_time", w.OpenTime.Format(time.RFC3339), "close_time", w.CloseTime.Format(time.RFC3339))
	}
	m.logger.Info("Market window refreshed", attrs...)
	return nil
}

// Check sets or clears the gate from the current window and returns the state.
func (m *Monitor) Check() bool {
	open := m.Window().Contains(m.now().UTC())
	if m.gate.Set(open) {
		m.logger.Info("Market gate changed",
			"function", "Check",
			"market", m.market,
			"open", open)
	}
	return open
}

// Run refreshes and checks until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	_ = m.Refresh(ctx)
	m.Check()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				_ = m.Refresh(ctx)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				m.Check()
			}
		}
	})
	return g.Wait()
}
