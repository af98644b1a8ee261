package market

import (
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
)

// Window is the regular trading session of one day in UTC.
type Window struct {
	Status    bool
	OpenTime  *time.Time
	CloseTime *time.Time

	PreMarket  *schwab.SessionWindow
	PostMarket *schwab.SessionWindow

	// Source is "provider" or "calendar".
	Source string
}

// Contains reports whether now falls inside [OpenTime, CloseTime). A closed
// window or one without times contains nothing.
func (w Window) Contains(now time.Time) bool {
	if !w.Status || w.OpenTime == nil || w.CloseTime == nil {
		return false
	}
	return !now.Before(*w.OpenTime) && now.Before(*w.CloseTime)
}

// WindowFromHours builds a Window from a market hours answer.
func WindowFromHours(h *schwab.MarketHours) Window {
	w := Window{Source: "provider"}
	if h == nil {
		return w
	}
	w.PreMarket = h.PreMarket
	w.PostMarket = h.PostMarket
	if !h.IsOpen || h.Regular == nil {
		return w
	}
	openAt := h.Regular.Start.UTC()
	closeAt := h.Regular.End.UTC()
	w.Status = true
	w.OpenTime = &openAt
	w.CloseTime = &closeAt
	return w
}
