package schwab

import (
	"math"
	"time"
)

// RefreshTokenLifetime is how long a refresh token stays usable after issuance.
const RefreshTokenLifetime = 7 * 24 * time.Hour

// TokenPayload is the token document returned by the provider's token endpoint,
// extended with the absolute expiry.
type TokenPayload struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    int     `json:"expires_in"`
	ExpiresAt    float64 `json:"expires_at"` // epoch seconds
	TokenType    string  `json:"token_type,omitempty"`
	Scope        string  `json:"scope,omitempty"`
	IDToken      string  `json:"id_token,omitempty"`
}

// Credential is the persisted record. CreatedTimestamp is stamped when the
// credential is first issued and is carried unchanged through refreshes.
type Credential struct {
	CreatedTimestamp float64      `json:"created_timestamp"` // epoch seconds
	Token            TokenPayload `json:"token"`
}

// AccessExpiry returns when the access token stops being valid.
func (c *Credential) AccessExpiry() time.Time {
	return epochToTime(c.Token.ExpiresAt)
}

// CreatedAt returns the issuance time of the credential.
func (c *Credential) CreatedAt() time.Time {
	return epochToTime(c.CreatedTimestamp)
}

// RefreshExpiry returns when the refresh token stops being valid.
func (c *Credential) RefreshExpiry() time.Time {
	return c.CreatedAt().Add(RefreshTokenLifetime)
}

func epochToTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func timeToEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// UserPreference is the subset of GET /trader/v1/userPreference the streamer needs.
type UserPreference struct {
	StreamerInfo []StreamerInfo `json:"streamerInfo"`
	Accounts     []struct {
		AccountNumber      string `json:"accountNumber"`
		PrimaryAccount     bool   `json:"primaryAccount"`
		Type               string `json:"type"`
		NickName           string `json:"nickName"`
		DisplayAcctID      string `json:"displayAcctId"`
		AutoPositionEffect bool   `json:"autoPositionEffect"`
		AccountColor       string `json:"accountColor"`
	} `json:"accounts"`
}

// StreamerInfo holds the login identifiers for the streaming endpoint.
type StreamerInfo struct {
	StreamerSocketURL      string `json:"streamerSocketUrl"`
	SchwabClientCustomerID string `json:"schwabClientCustomerId"`
	SchwabClientCorrelID   string `json:"schwabClientCorrelId"`
	SchwabClientChannel    string `json:"schwabClientChannel"`
	SchwabClientFunctionID string `json:"schwabClientFunctionId"`
}

// Primary returns the first streamer entry, if any.
func (u *UserPreference) Primary() (StreamerInfo, bool) {
	if u == nil || len(u.StreamerInfo) == 0 {
		return StreamerInfo{}, false
	}
	return u.StreamerInfo[0], true
}

// SessionWindow is one trading session in UTC.
type SessionWindow struct {
	Start time.Time
	End   time.Time
}

// MarketHours is the parsed answer of GET /marketdata/v1/markets/{market}.
type MarketHours struct {
	Market      string
	Product     string
	Date        string
	IsOpen      bool
	Regular     *SessionWindow
	PreMarket   *SessionWindow
	PostMarket  *SessionWindow
	RetrievedAt time.Time
}

// Quote is a flattened level one quote from GET /marketdata/v1/quotes.
type Quote struct {
	Symbol      string
	AssetType   string
	BidPrice    float64
	AskPrice    float64
	LastPrice   float64
	TotalVolume int64
	QuoteTime   time.Time
}

// OptionChainParams are the query parameters of GET /marketdata/v1/chains.
// Zero values are omitted from the query.
type OptionChainParams struct {
	Symbol                 string
	ContractType           string // CALL, PUT, ALL
	Range                  string // ITM, NTM, OTM, ALL
	OptionType             string
	ExpMonth               string // JAN..DEC, ALL
	StrikeCount            int
	Strike                 float64
	FromDate               string // yyyy-MM-dd
	ToDate                 string
	Volatility             float64
	UnderlyingPrice        float64
	InterestRate           float64
	DaysToExpiration       int
	Strategy               string // SINGLE, ANALYTICAL, ...
	Interval               float64
	Entitlement            string
	IncludeUnderlyingQuote bool
}

// Expiration is one entry of GET /marketdata/v1/expirationchain.
type Expiration struct {
	ExpirationDate   string `json:"expirationDate"`
	DaysToExpiration int    `json:"daysToExpiration"`
	ExpirationType   string `json:"expirationType"`
	SettlementType   string `json:"settlementType"`
	OptionRoots      string `json:"optionRoots"`
	Standard         bool   `json:"standard"`
}
