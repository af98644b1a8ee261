package websocket

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	optionRootWidth   = 6
	optionDateWidth   = 6
	optionStrikeWidth = 8
)

// OptionType is C for calls and P for puts.
type OptionType string

const (
	Call OptionType = "C"
	Put  OptionType = "P"
)

// OptionSymbol is a decoded option identifier.
type OptionSymbol struct {
	Root   string
	Expiry time.Time // UTC midnight of the expiration date
	Type   OptionType
	Strike decimal.Decimal
}

// String returns the streamer form of o.
func (o OptionSymbol) String() string {
	strike := o.Strike.Shift(3).IntPart()
	return fmt.Sprintf("%-6s%s%s%08d", o.Root, o.Expiry.Format("060102"), o.Type, strike)
}

// FormatOptionSymbol converts a compact option identifier such as
// AAPL241115C00200 into the fixed-width streamer form AAPL  241115C00200000:
// the root padded with spaces to six characters, the YYMMDD expiry, C or P,
// and the strike digits right-padded with zeros to eight.
func FormatOptionSymbol(symbol string) (string, error) {
	i := 0
	for i < len(symbol) && !isDigit(symbol[i]) {
		i++
	}
	root := strings.TrimRight(symbol[:i], " ")
	if root == "" || len(root) > optionRootWidth {
		return "", fmt.Errorf("%w: %q: root must be 1 to %d characters", ErrInvalidOptionSymbol, symbol, optionRootWidth)
	}

	rest := symbol[i:]
	if len(rest) < optionDateWidth+1 || !allDigits(rest[:optionDateWidth]) {
		return "", fmt.Errorf("%w: %q: expiry must be six digits", ErrInvalidOptionSymbol, symbol)
	}
	date := rest[:optionDateWidth]

	kind := OptionType(rest[optionDateWidth : optionDateWidth+1])
	if kind != Call && kind != Put {
		return "", fmt.Errorf("%w: %q: type must be C or P", ErrInvalidOptionSymbol, symbol)
	}

	strike := rest[optionDateWidth+1:]
	if strike == "" || len(strike) > optionStrikeWidth || !allDigits(strike) {
		return "", fmt.Errorf("%w: %q: strike must be 1 to %d digits", ErrInvalidOptionSymbol, symbol, optionStrikeWidth)
	}

	var b strings.Builder
	b.Grow(optionRootWidth + optionDateWidth + 1 + optionStrikeWidth)
	b.WriteString(root)
	b.WriteString(strings.Repeat(" ", optionRootWidth-len(root)))
	b.WriteString(date)
	b.WriteString(string(kind))
	b.WriteString(strike)
	b.WriteString(strings.Repeat("0", optionStrikeWidth-len(strike)))
	return b.String(), nil
}

// ParseOptionSymbol decodes a compact or streamer-form option identifier. The
// eight strike digits are five whole digits and three decimals.
func ParseOptionSymbol(symbol string) (OptionSymbol, error) {
	formatted, err := FormatOptionSymbol(symbol)
	if err != nil {
		return OptionSymbol{}, err
	}

	root := strings.TrimRight(formatted[:optionRootWidth], " ")
	date := formatted[optionRootWidth : optionRootWidth+optionDateWidth]
	kind := OptionType(formatted[optionRootWidth+optionDateWidth : optionRootWidth+optionDateWidth+1])
	digits := formatted[optionRootWidth+optionDateWidth+1:]

	expiry, err := time.ParseInLocation("060102", date, time.UTC)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("%w: %q: bad expiry date: %v", ErrInvalidOptionSymbol, symbol, err)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("%w: %q: bad strike: %v", ErrInvalidOptionSymbol, symbol, err)
	}

	return OptionSymbol{
		Root:   root,
		Expiry: expiry,
		Type:   kind,
		Strike: decimal.New(n, -3),
	}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
