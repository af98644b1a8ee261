package websocket

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatOptionSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"AAPL241115C00200", "AAPL  241115C00200000"},
		{"GOOG250101P01500", "GOOG  250101P01500000"},
		{"F250117C1", "F     250117C10000000"},
		{"GOOGLX250101P12345678", "GOOGLX250101P12345678"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := FormatOptionSymbol(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, 21)
		})
	}
}

func TestFormatOptionSymbol_AlreadyFormatted(t *testing.T) {
	got, err := FormatOptionSymbol("AAPL  241115C00200000")
	require.NoError(t, err)
	assert.Equal(t, "AAPL  241115C00200000", got)
}

func TestFormatOptionSymbol_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"no root":        "241115C00200",
		"long root":      "ABCDEFG241115C00200",
		"short date":     "AAPL2411C00200",
		"bad type":       "AAPL241115X00200",
		"no strike":      "AAPL241115C",
		"long strike":    "AAPL241115C123456789",
		"non-digit tail": "AAPL241115C002A0",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := FormatOptionSymbol(in)
			assert.ErrorIs(t, err, ErrInvalidOptionSymbol)
		})
	}
}

func TestParseOptionSymbol(t *testing.T) {
	sym, err := ParseOptionSymbol("AAPL241115C00200")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", sym.Root)
	assert.Equal(t, time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC), sym.Expiry)
	assert.Equal(t, Call, sym.Type)
	assert.True(t, sym.Strike.Equal(decimal.NewFromInt(200)), "strike %s", sym.Strike)
	assert.Equal(t, "AAPL  241115C00200000", sym.String())
}

func TestParseOptionSymbol_FractionalStrike(t *testing.T) {
	sym, err := ParseOptionSymbol("SPY   250620P00542500")
	require.NoError(t, err)
	assert.Equal(t, "SPY", sym.Root)
	assert.Equal(t, Put, sym.Type)
	assert.Equal(t, "542.5", sym.Strike.String())
}

func TestParseOptionSymbol_BadDate(t *testing.T) {
	_, err := ParseOptionSymbol("AAPL241345C00200")
	assert.ErrorIs(t, err, ErrInvalidOptionSymbol)
}
