package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalendarFallback_TradingDays(t *testing.T) {
	fb := NewCalendarFallback("xnys")

	assert.True(t, fb.IsTradingDay(time.Date(2024, 11, 15, 15, 0, 0, 0, time.UTC)))  // Friday
	assert.False(t, fb.IsTradingDay(time.Date(2024, 11, 16, 15, 0, 0, 0, time.UTC))) // Saturday
}

func TestCalendarFallback_Window(t *testing.T) {
	fb := NewCalendarFallback("")

	w := fb.Window(time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC))
	assert.True(t, w.Status)
	// Summer time: 09:30 EDT is 13:30 UTC.
	assert.Equal(t, time.Date(2024, 7, 15, 13, 30, 0, 0, time.UTC), *w.OpenTime)
	assert.Equal(t, time.Date(2024, 7, 15, 20, 0, 0, 0, time.UTC), *w.CloseTime)

	weekend := fb.Window(time.Date(2024, 7, 13, 15, 0, 0, 0, time.UTC))
	assert.False(t, weekend.Status)
	assert.Equal(t, "calendar", weekend.Source)
}

func TestCalendarFallback_UnknownMIC(t *testing.T) {
	fb := NewCalendarFallback("nope")
	assert.True(t, fb.Window(time.Date(2024, 11, 15, 15, 0, 0, 0, time.UTC)).Status)
}
