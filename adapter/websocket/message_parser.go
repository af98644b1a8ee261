package websocket

import (
	"fmt"
	"strconv"
	"time"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Message is one inbound streamer frame split by kind. A frame may carry
// several entries of each kind.
type Message struct {
	Responses []Response
	Data      []Data
	Notify    []Notify
	Raw       []byte
}

// Response acknowledges a command.
type Response struct {
	Service   Service
	Command   Command
	RequestID string
	CorrelID  string
	Timestamp time.Time
	Code      int
	Msg       string
}

// Data is a service payload. Content items carry "key" plus numeric field
// indices as JSON keys; only changed fields are present.
type Data struct {
	Service   Service
	Command   Command
	Timestamp time.Time
	Content   []gjson.Result
}

// Notify is a heartbeat or other notification.
type Notify struct {
	Heartbeat time.Time
	Raw       string
}

// ParseMessage classifies an inbound frame.
func ParseMessage(raw []byte) (*Message, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &schwab.ProtocolError{Op: "parse stream message", Code: -1, Reason: "invalid JSON"}
	}
	doc := gjson.ParseBytes(raw)
	msg := &Message{Raw: raw}

	doc.Get("response").ForEach(func(_, r gjson.Result) bool {
		msg.Responses = append(msg.Responses, Response{
			Service:   Service(r.Get("service").String()),
			Command:   Command(r.Get("command").String()),
			RequestID: r.Get("requestid").String(),
			CorrelID:  r.Get("SchwabClientCorrelId").String(),
			Timestamp: millis(r.Get("timestamp")),
			Code:      int(r.Get("content.code").Int()),
			Msg:       r.Get("content.msg").String(),
		})
		return true
	})

	doc.Get("data").ForEach(func(_, d gjson.Result) bool {
		msg.Data = append(msg.Data, Data{
			Service:   Service(d.Get("service").String()),
			Command:   Command(d.Get("command").String()),
			Timestamp: millis(d.Get("timestamp")),
			Content:   d.Get("content").Array(),
		})
		return true
	})

	doc.Get("notify").ForEach(func(_, n gjson.Result) bool {
		msg.Notify = append(msg.Notify, Notify{
			Heartbeat: millis(n.Get("heartbeat")),
			Raw:       n.Raw,
		})
		return true
	})

	if len(msg.Responses) == 0 && len(msg.Data) == 0 && len(msg.Notify) == 0 {
		return nil, &schwab.ProtocolError{Op: "parse stream message", Code: -1, Reason: "no response, data or notify entry"}
	}
	return msg, nil
}

// LoginResponse returns the ADMIN/LOGIN acknowledgement carried by m, if any.
func (m *Message) LoginResponse() (Response, bool) {
	for _, r := range m.Responses {
		if r.Service == ServiceAdmin && r.Command == CommandLogin {
			return r, true
		}
	}
	return Response{}, false
}

// millis converts an epoch milliseconds value, sent as number or string.
func millis(r gjson.Result) time.Time {
	if !r.Exists() {
		return time.Time{}
	}
	ms := r.Int()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func field(item gjson.Result, index int) gjson.Result {
	return item.Get(strconv.Itoa(index))
}

func decimalField(item gjson.Result, index int) (decimal.Decimal, bool) {
	r := field(item, index)
	if !r.Exists() {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(r.Raw)
	if err != nil {
		return decimal.NewFromFloat(r.Float()), true
	}
	return d, true
}

// LevelOneEquity is a decoded LEVELONE_EQUITIES update. Fields absent from
// the update are zero; Updated lists the indices that were present.
type LevelOneEquity struct {
	Symbol      string
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Last        decimal.Decimal
	BidSize     int64
	AskSize     int64
	TotalVolume int64
	QuoteTime   time.Time
	Updated     []int
}

// DecodeLevelOneEquities decodes every content item of d.
func DecodeLevelOneEquities(d Data) ([]LevelOneEquity, error) {
	if d.Service != ServiceLevelOneEquities {
		return nil, fmt.Errorf("decode %s as %s: %w", d.Service, ServiceLevelOneEquities, schwab.ErrProtocolFailure)
	}
	out := make([]LevelOneEquity, 0, len(d.Content))
	for _, item := range d.Content {
		q := LevelOneEquity{Symbol: item.Get("key").String()}
		if v, ok := decimalField(item, EquityBidPrice); ok {
			q.Bid = v
			q.Updated = append(q.Updated, EquityBidPrice)
		}
		if v, ok := decimalField(item, EquityAskPrice); ok {
			q.Ask = v
			q.Updated = append(q.Updated, EquityAskPrice)
		}
		if v, ok := decimalField(item, EquityLastPrice); ok {
			q.Last = v
			q.Updated = append(q.Updated, EquityLastPrice)
		}
		if r := field(item, EquityBidSize); r.Exists() {
			q.BidSize = r.Int()
			q.Updated = append(q.Updated, EquityBidSize)
		}
		if r := field(item, EquityAskSize); r.Exists() {
			q.AskSize = r.Int()
			q.Updated = append(q.Updated, EquityAskSize)
		}
		if r := field(item, EquityTotalVolume); r.Exists() {
			q.TotalVolume = r.Int()
			q.Updated = append(q.Updated, EquityTotalVolume)
		}
		if r := field(item, EquityQuoteTime); r.Exists() {
			q.QuoteTime = millis(r)
			q.Updated = append(q.Updated, EquityQuoteTime)
		}
		out = append(out, q)
	}
	return out, nil
}

// LevelOneOption is a decoded LEVELONE_OPTIONS update.
type LevelOneOption struct {
	Symbol       string // streamer form
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
	TotalVolume  int64
	OpenInterest int64
	Volatility   decimal.Decimal
	Delta        decimal.Decimal
	QuoteTime    time.Time
}

// DecodeLevelOneOptions decodes every content item of d.
func DecodeLevelOneOptions(d Data) ([]LevelOneOption, error) {
	if d.Service != ServiceLevelOneOptions {
		return nil, fmt.Errorf("decode %s as %s: %w", d.Service, ServiceLevelOneOptions, schwab.ErrProtocolFailure)
	}
	out := make([]LevelOneOption, 0, len(d.Content))
	for _, item := range d.Content {
		q := LevelOneOption{
			Symbol:       item.Get("key").String(),
			TotalVolume:  field(item, OptionTotalVolume).Int(),
			OpenInterest: field(item, OptionOpenInterest).Int(),
			QuoteTime:    millis(field(item, OptionQuoteTime)),
		}
		q.Bid, _ = decimalField(item, OptionBidPrice)
		q.Ask, _ = decimalField(item, OptionAskPrice)
		q.Last, _ = decimalField(item, OptionLastPrice)
		q.Volatility, _ = decimalField(item, OptionVolatility)
		q.Delta, _ = decimalField(item, OptionDelta)
		out = append(out, q)
	}
	return out, nil
}
