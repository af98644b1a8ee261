package websocket

// Service names a streamer service.
type Service string

const (
	ServiceAdmin            Service = "ADMIN"
	ServiceLevelOneEquities Service = "LEVELONE_EQUITIES"
	ServiceLevelOneOptions  Service = "LEVELONE_OPTIONS"
	ServiceNYSEBook         Service = "NYSE_BOOK"
	ServiceNasdaqBook       Service = "NASDAQ_BOOK"
	ServiceOptionsBook      Service = "OPTIONS_BOOK"
)

// Command is a streamer command.
type Command string

const (
	CommandLogin       Command = "LOGIN"
	CommandSubscribe   Command = "SUBS"
	CommandAdd         Command = "ADD"
	CommandUnsubscribe Command = "UNSUBS"
	CommandView        Command = "VIEW"
	CommandLogout      Command = "LOGOUT"
)

// Field indices of LEVELONE_EQUITIES used by the typed decoders.
const (
	EquitySymbol      = 0
	EquityBidPrice    = 1
	EquityAskPrice    = 2
	EquityLastPrice   = 3
	EquityBidSize     = 4
	EquityAskSize     = 5
	EquityTotalVolume = 8
	EquityQuoteTime   = 34
)

// Field indices of LEVELONE_OPTIONS used by the typed decoders.
const (
	OptionSymbol       = 0
	OptionBidPrice     = 2
	OptionAskPrice     = 3
	OptionLastPrice    = 4
	OptionTotalVolume  = 8
	OptionOpenInterest = 9
	OptionVolatility   = 10
	OptionDelta        = 28
	OptionQuoteTime    = 38
)

// Field indices of the book services.
const (
	BookSymbol       = 0
	BookSnapshotTime = 1
	BookBids         = 2
	BookAsks         = 3
)

// fieldCounts is the size of each service's field catalogue (fields 0..n-1).
var fieldCounts = map[Service]int{
	ServiceLevelOneEquities: 52,
	ServiceLevelOneOptions:  56,
	ServiceNYSEBook:         4,
	ServiceNasdaqBook:       4,
	ServiceOptionsBook:      4,
}

// DefaultFields returns the full field catalogue of s, or nil for an unknown service.
func DefaultFields(s Service) []int {
	n, ok := fieldCounts[s]
	if !ok {
		return nil
	}
	fields := make([]int, n)
	for i := range fields {
		fields[i] = i
	}
	return fields
}

// IsOption reports whether keys of s are option symbols.
func (s Service) IsOption() bool {
	return s == ServiceLevelOneOptions || s == ServiceOptionsBook
}

// IsBook reports whether s is one of the order book services.
func (s Service) IsBook() bool {
	return s == ServiceNYSEBook || s == ServiceNasdaqBook || s == ServiceOptionsBook
}

// Known reports whether s has a field catalogue.
func (s Service) Known() bool {
	_, ok := fieldCounts[s]
	return ok
}
