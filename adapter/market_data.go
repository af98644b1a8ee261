package schwab

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Market identifiers accepted by GET /marketdata/v1/markets/{market}.
const (
	MarketEquity = "equity"
	MarketOption = "option"
	MarketBond   = "bond"
	MarketFuture = "future"
	MarketForex  = "forex"
)

// GetUserPreference fetches the user preference document holding the
// streamer login identifiers.
func (c *SchwabClient) GetUserPreference(ctx context.Context) (*UserPreference, error) {
	resp, err := WithRetry(func() (*Response, error) {
		return c.Get(ctx, AccountTraderPath+"/userPreference", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("get user preference: %w", err)
	}

	var prefs UserPreference
	if err := resp.Decode(&prefs); err != nil {
		return nil, fmt.Errorf("get user preference: %w", err)
	}
	return &prefs, nil
}

// GetMarketHours returns today's session hours for market.
func (c *SchwabClient) GetMarketHours(ctx context.Context, market string) (*MarketHours, error) {
	return c.GetMarketHoursForDate(ctx, market, "")
}

// GetMarketHoursForDate returns the session hours of market on date (yyyy-MM-dd).
// An empty date means today.
func (c *SchwabClient) GetMarketHoursForDate(ctx context.Context, market, date string) (*MarketHours, error) {
	if market == "" {
		market = MarketEquity
	}
	var query url.Values
	if date != "" {
		query = url.Values{"date": {date}}
	}

	resp, err := WithRetry(func() (*Response, error) {
		return c.Get(ctx, MarketDataPath+"/markets/"+url.PathEscape(market), query)
	})
	if err != nil {
		return nil, fmt.Errorf("get market hours: %w", err)
	}

	hours, err := parseMarketHours(resp.Body, market)
	if err != nil {
		return nil, err
	}
	hours.RetrievedAt = time.Now().UTC()
	return hours, nil
}

// parseMarketHours reads the market hours document. The product key under the
// market is "EQ" on trading days and repeats the market name on closed days.
func parseMarketHours(body []byte, market string) (*MarketHours, error) {
	if !gjson.ValidBytes(body) {
		return nil, &ProtocolError{Op: "market hours", Code: -1, Reason: "invalid JSON"}
	}
	root := gjson.GetBytes(body, gjson.Escape(market))
	if !root.Exists() || !root.IsObject() {
		return nil, &ProtocolError{Op: "market hours", Code: -1, Reason: "missing market " + market}
	}

	var product gjson.Result
	for _, key := range []string{"EQ", market} {
		if r := root.Get(gjson.Escape(key)); r.Exists() {
			product = r
			break
		}
	}
	if !product.Exists() {
		root.ForEach(func(_, value gjson.Result) bool {
			product = value
			return false
		})
	}
	if !product.Exists() {
		return nil, &ProtocolError{Op: "market hours", Code: -1, Reason: "no product entry for " + market}
	}

	hours := &MarketHours{
		Market:  product.Get("marketType").String(),
		Product: product.Get("product").String(),
		Date:    product.Get("date").String(),
		IsOpen:  product.Get("isOpen").Bool(),
	}
	if hours.Market == "" {
		hours.Market = strings.ToUpper(market)
	}

	var err error
	if hours.Regular, err = parseSession(product, "regularMarket"); err != nil {
		return nil, err
	}
	if hours.PreMarket, err = parseSession(product, "preMarket"); err != nil {
		return nil, err
	}
	if hours.PostMarket, err = parseSession(product, "postMarket"); err != nil {
		return nil, err
	}
	return hours, nil
}

func parseSession(product gjson.Result, name string) (*SessionWindow, error) {
	session := product.Get("sessionHours." + name + ".0")
	if !session.Exists() {
		return nil, nil
	}
	start, err := time.Parse(time.RFC3339, session.Get("start").String())
	if err != nil {
		return nil, &ProtocolError{Op: "market hours", Code: -1, Reason: name + " start: " + err.Error()}
	}
	end, err := time.Parse(time.RFC3339, session.Get("end").String())
	if err != nil {
		return nil, &ProtocolError{Op: "market hours", Code: -1, Reason: name + " end: " + err.Error()}
	}
	return &SessionWindow{Start: start.UTC(), End: end.UTC()}, nil
}

// GetQuotes fetches quotes for symbols. fields narrows the response
// ("quote", "fundamental", ...); empty means all.
func (c *SchwabClient) GetQuotes(ctx context.Context, symbols []string, fields string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	query := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if fields != "" {
		query.Set("fields", fields)
	}

	resp, err := WithRetry(func() (*Response, error) {
		return c.Get(ctx, MarketDataPath+"/quotes", query)
	})
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}

	quotes := make(map[string]Quote, len(symbols))
	resp.JSON().ForEach(func(key, value gjson.Result) bool {
		if value.Get("quote").Exists() || value.Get("symbol").Exists() {
			q := value.Get("quote")
			quotes[key.String()] = Quote{
				Symbol:      firstNonEmpty(value.Get("symbol").String(), key.String()),
				AssetType:   value.Get("assetMainType").String(),
				BidPrice:    q.Get("bidPrice").Float(),
				AskPrice:    q.Get("askPrice").Float(),
				LastPrice:   q.Get("lastPrice").Float(),
				TotalVolume: q.Get("totalVolume").Int(),
				QuoteTime:   time.UnixMilli(q.Get("quoteTime").Int()).UTC(),
			}
		}
		return true
	})
	return quotes, nil
}

// GetOptionChain fetches an option chain. The document is large and returned raw.
func (c *SchwabClient) GetOptionChain(ctx context.Context, params OptionChainParams) (*Response, error) {
	if params.Symbol == "" {
		return nil, fmt.Errorf("%w: option chain requires a symbol", ErrConfigurationFailure)
	}
	query := optionChainQuery(params)
	resp, err := WithRetry(func() (*Response, error) {
		return c.Get(ctx, MarketDataPath+"/chains", query)
	})
	if err != nil {
		return nil, fmt.Errorf("get option chain: %w", err)
	}
	return resp, nil
}

func optionChainQuery(p OptionChainParams) url.Values {
	q := url.Values{}
	setString := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	setFloat := func(k string, v float64) {
		if v != 0 {
			q.Set(k, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	setString("symbol", p.Symbol)
	setString("contractType", firstNonEmpty(p.ContractType, "ALL"))
	setString("range", firstNonEmpty(p.Range, "ALL"))
	setString("optionType", p.OptionType)
	setString("expMonth", firstNonEmpty(p.ExpMonth, "ALL"))
	if p.StrikeCount > 0 {
		q.Set("strikeCount", strconv.Itoa(p.StrikeCount))
	}
	setFloat("strike", p.Strike)
	setString("fromDate", p.FromDate)
	setString("toDate", p.ToDate)
	setFloat("volatility", p.Volatility)
	setFloat("underlyingPrice", p.UnderlyingPrice)
	setFloat("interestRate", p.InterestRate)
	if p.DaysToExpiration > 0 {
		q.Set("daysToExpiration", strconv.Itoa(p.DaysToExpiration))
	}
	setString("strategy", p.Strategy)
	setFloat("interval", p.Interval)
	setString("entitlement", p.Entitlement)
	if p.IncludeUnderlyingQuote {
		q.Set("includeUnderlyingQuote", "true")
	}
	return q
}

// GetOptionExpirationChain lists the option expirations of symbol.
func (c *SchwabClient) GetOptionExpirationChain(ctx context.Context, symbol string) ([]Expiration, error) {
	resp, err := WithRetry(func() (*Response, error) {
		return c.Get(ctx, MarketDataPath+"/expirationchain", url.Values{"symbol": {symbol}})
	})
	if err != nil {
		return nil, fmt.Errorf("get expiration chain: %w", err)
	}

	var doc struct {
		ExpirationList []Expiration `json:"expirationList"`
	}
	if err := resp.Decode(&doc); err != nil {
		return nil, fmt.Errorf("get expiration chain: %w", err)
	}
	return doc.ExpirationList, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
