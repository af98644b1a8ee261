package schwab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestParseMarketHours_TradingDay(t *testing.T) {
	body := mustJSON(t, MockMarketHours("EQ", true, "2024-11-15T09:30:00-05:00", "2024-11-15T16:00:00-05:00"))

	hours, err := parseMarketHours(body, MarketEquity)
	require.NoError(t, err)

	assert.True(t, hours.IsOpen)
	assert.Equal(t, "EQUITY", hours.Market)
	assert.Equal(t, "EQ", hours.Product)
	assert.Equal(t, "2024-11-15", hours.Date)
	require.NotNil(t, hours.Regular)
	assert.Equal(t, time.Date(2024, 11, 15, 14, 30, 0, 0, time.UTC), hours.Regular.Start)
	assert.Equal(t, time.Date(2024, 11, 15, 21, 0, 0, 0, time.UTC), hours.Regular.End)
	assert.Equal(t, time.UTC, hours.Regular.Start.Location())
	require.NotNil(t, hours.PreMarket)
	assert.Equal(t, time.Date(2024, 11, 15, 12, 0, 0, 0, time.UTC), hours.PreMarket.Start)
	require.NotNil(t, hours.PostMarket)
	assert.Equal(t, time.Date(2024, 11, 16, 1, 0, 0, 0, time.UTC), hours.PostMarket.End)
}

func TestParseMarketHours_ClosedDayUsesMarketNameKey(t *testing.T) {
	body := mustJSON(t, MockMarketHours("equity", false, "", ""))

	hours, err := parseMarketHours(body, MarketEquity)
	require.NoError(t, err)

	assert.False(t, hours.IsOpen)
	assert.Equal(t, "equity", hours.Product)
	assert.Nil(t, hours.Regular)
	assert.Nil(t, hours.PreMarket)
	assert.Nil(t, hours.PostMarket)
}

func TestParseMarketHours_UnknownProductKeyFallsBackToFirstEntry(t *testing.T) {
	body := []byte(`{"option":{"IND":{"date":"2024-11-15","marketType":"OPTION","product":"IND","isOpen":true,
		"sessionHours":{"regularMarket":[{"start":"2024-11-15T09:30:00-05:00","end":"2024-11-15T16:15:00-05:00"}]}}}}`)

	hours, err := parseMarketHours(body, MarketOption)
	require.NoError(t, err)
	assert.Equal(t, "IND", hours.Product)
	require.NotNil(t, hours.Regular)
	assert.Equal(t, time.Date(2024, 11, 15, 21, 15, 0, 0, time.UTC), hours.Regular.End)
}

func TestParseMarketHours_Malformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":   `{"equity":`,
		"missing market": `{"bond":{}}`,
		"empty market":   `{"equity":{}}`,
		"bad timestamp":  `{"equity":{"EQ":{"isOpen":true,"sessionHours":{"regularMarket":[{"start":"09:30","end":"16:00"}]}}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseMarketHours([]byte(body), MarketEquity)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocolFailure)
		})
	}
}

func TestGetMarketHours(t *testing.T) {
	server := NewMockSchwabServer()
	defer server.Close()
	client, _ := newTestClient(t, server)

	hours, err := client.GetMarketHours(context.Background(), MarketEquity)
	require.NoError(t, err)
	assert.True(t, hours.IsOpen)
	assert.False(t, hours.RetrievedAt.IsZero())

	_, err = client.GetMarketHoursForDate(context.Background(), MarketEquity, "2024-11-16")
	require.NoError(t, err)
	requests := server.GetRequests()
	assert.Equal(t, "date=2024-11-16", requests[len(requests)-1].Query)
}

func TestGetUserPreference(t *testing.T) {
	server := NewMockSchwabServer()
	defer server.Close()
	client, _ := newTestClient(t, server)

	prefs, err := client.GetUserPreference(context.Background())
	require.NoError(t, err)

	info, ok := prefs.Primary()
	require.True(t, ok)
	assert.Equal(t, "wss://streamer-api.schwab.com/ws", info.StreamerSocketURL)
	assert.Equal(t, "customer-123", info.SchwabClientCustomerID)
	assert.Equal(t, "correl-456", info.SchwabClientCorrelID)
	assert.Equal(t, "N9", info.SchwabClientChannel)
	assert.Equal(t, "APIAPP", info.SchwabClientFunctionID)
	require.Len(t, prefs.Accounts, 1)
	assert.True(t, prefs.Accounts[0].PrimaryAccount)

	var empty *UserPreference
	_, ok = empty.Primary()
	assert.False(t, ok)
}

func TestGetQuotes(t *testing.T) {
	server := NewMockSchwabServer()
	defer server.Close()
	client, _ := newTestClient(t, server)
	server.SetResponse(http.MethodGet, MarketDataPath+"/quotes", http.StatusOK, map[string]interface{}{
		"AAPL": map[string]interface{}{
			"assetMainType": "EQUITY",
			"symbol":        "AAPL",
			"quote": map[string]interface{}{
				"bidPrice":    228.1,
				"askPrice":    228.15,
				"lastPrice":   228.12,
				"totalVolume": 41234567,
				"quoteTime":   1731700800000,
			},
		},
		"errors": map[string]interface{}{"invalidSymbols": []string{"NOPE"}},
	})

	quotes, err := client.GetQuotes(context.Background(), []string{"AAPL", "NOPE"}, "quote")
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes["AAPL"]
	assert.Equal(t, "EQUITY", q.AssetType)
	assert.Equal(t, 228.1, q.BidPrice)
	assert.Equal(t, 228.15, q.AskPrice)
	assert.Equal(t, int64(41234567), q.TotalVolume)
	assert.Equal(t, time.UnixMilli(1731700800000).UTC(), q.QuoteTime)

	query, err := url.ParseQuery(server.GetRequests()[0].Query)
	require.NoError(t, err)
	assert.Equal(t, "AAPL,NOPE", query.Get("symbols"))
	assert.Equal(t, "quote", query.Get("fields"))
}

func TestGetQuotes_NoSymbols(t *testing.T) {
	server := NewMockSchwabServer()
	defer server.Close()
	client, _ := newTestClient(t, server)

	quotes, err := client.GetQuotes(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Empty(t, quotes)
	assert.Empty(t, server.GetRequests())
}

func TestGetOptionChain(t *testing.T) {
	server := NewMockSchwabServer()
	defer server.Close()
	client, _ := newTestClient(t, server)
	server.SetResponse(http.MethodGet, MarketDataPath+"/chains", http.StatusOK, map[string]interface{}{
		"symbol": "AAPL",
		"status": "SUCCESS",
	})

	resp, err := client.GetOptionChain(context.Background(), OptionChainParams{
		Symbol:      "AAPL",
		StrikeCount: 10,
		Strike:      200.5,
		FromDate:    "2024-11-15",
	})
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", resp.JSON().Get("status").String())

	query, err := url.ParseQuery(server.GetRequests()[0].Query)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", query.Get("symbol"))
	assert.Equal(t, "ALL", query.Get("contractType"))
	assert.Equal(t, "ALL", query.Get("range"))
	assert.Equal(t, "ALL", query.Get("expMonth"))
	assert.Equal(t, "10", query.Get("strikeCount"))
	assert.Equal(t, "200.5", query.Get("strike"))
	assert.Equal(t, "2024-11-15", query.Get("fromDate"))
	assert.False(t, query.Has("volatility"))
	assert.False(t, query.Has("includeUnderlyingQuote"))
}

func TestGetOptionChain_RequiresSymbol(t *testing.T) {
	server := NewMockSchwabServer()
	defer server.Close()
	client, _ := newTestClient(t, server)

	_, err := client.GetOptionChain(context.Background(), OptionChainParams{})
	assert.ErrorIs(t, err, ErrConfigurationFailure)
}

func TestGetOptionExpirationChain(t *testing.T) {
	server := NewMockSchwabServer()
	defer server.Close()
	client, _ := newTestClient(t, server)
	server.SetResponse(http.MethodGet, MarketDataPath+"/expirationchain", http.StatusOK, map[string]interface{}{
		"expirationList": []map[string]interface{}{
			{"expirationDate": "2024-11-15", "daysToExpiration": 0, "expirationType": "W", "standard": true},
			{"expirationDate": "2024-11-22", "daysToExpiration": 7, "expirationType": "W", "standard": true},
		},
	})

	list, err := client.GetOptionExpirationChain(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2024-11-22", list[1].ExpirationDate)
	assert.Equal(t, 7, list[1].DaysToExpiration)
}
