package market

import (
	"testing"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"github.com/stretchr/testify/assert"
)

func utc(hour, minute int) time.Time {
	return time.Date(2024, 11, 15, hour, minute, 0, 0, time.UTC)
}

func window(openAt, closeAt time.Time) Window {
	return Window{Status: true, OpenTime: &openAt, CloseTime: &closeAt}
}

func TestWindow_ContainsIsHalfOpen(t *testing.T) {
	w := window(utc(10, 0), utc(16, 0))

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before open", utc(9, 59), false},
		{"at open", utc(10, 0), true},
		{"midday", utc(13, 0), true},
		{"last second", utc(15, 59).Add(59 * time.Second), true},
		{"at close", utc(16, 0), false},
		{"after close", utc(17, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Contains(tt.now))
		})
	}
}

func TestWindow_ClosedOrIncomplete(t *testing.T) {
	open := utc(10, 0)
	assert.False(t, Window{}.Contains(utc(12, 0)))
	assert.False(t, Window{Status: true, OpenTime: &open}.Contains(utc(12, 0)))

	w := window(utc(10, 0), utc(16, 0))
	w.Status = false
	assert.False(t, w.Contains(utc(12, 0)))
}

func TestWindowFromHours(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tz database: %v", err)
	}
	hours := &schwab.MarketHours{
		IsOpen: true,
		Regular: &schwab.SessionWindow{
			Start: time.Date(2024, 11, 15, 9, 30, 0, 0, ny),
			End:   time.Date(2024, 11, 15, 16, 0, 0, 0, ny),
		},
	}

	w := WindowFromHours(hours)
	assert.True(t, w.Status)
	assert.Equal(t, "provider", w.Source)
	assert.Equal(t, utc(14, 30), *w.OpenTime)
	assert.Equal(t, time.UTC, w.OpenTime.Location())
	assert.Equal(t, utc(21, 0), *w.CloseTime)

	closed := WindowFromHours(&schwab.MarketHours{IsOpen: false})
	assert.False(t, closed.Status)
	assert.Nil(t, closed.OpenTime)
	assert.False(t, WindowFromHours(nil).Status)
}
