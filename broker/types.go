package broker

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ConnectionStatus tracks the feed lifecycle. StatusClosed is terminal; a
// session that reaches it must be discarded and rebuilt.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusClosed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AccountType identifies which broker account a session operates on.
type AccountType string

const (
	AccountReal       AccountType = "REAL"
	AccountDemo       AccountType = "DEMO"
	AccountTournament AccountType = "TOURNAMENT"
	AccountUnknown    AccountType = "UNKNOWN"
)

// ParseAccountType normalizes the broker's balance type labels. The broker
// reports demo accounts as "PRACTICE" in several payloads.
func ParseAccountType(s string) AccountType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REAL":
		return AccountReal
	case "DEMO", "PRACTICE":
		return AccountDemo
	case "TOURNAMENT":
		return AccountTournament
	default:
		return AccountUnknown
	}
}

// MarketSegment groups instruments the way the broker's trading surfaces do.
type MarketSegment string

const (
	SegmentBinary  MarketSegment = "binary"
	SegmentDigital MarketSegment = "digital"
	SegmentForex   MarketSegment = "forex"
	SegmentCrypto  MarketSegment = "crypto"
)

// AssetQuote is one tradable instrument in a resolved segment listing.
// Payout is a whole percentage (87 means 87%); nil means the broker publishes
// no payout for this segment or the payout snapshot was unavailable.
type AssetQuote struct {
	Symbol  string
	Segment MarketSegment
	Payout  *int
	OTC     bool
}

// ProfileInfo is the immutable slice of the broker profile the session keeps.
type ProfileInfo struct {
	UserID   int64
	Name     string
	Nickname string
}

// BalanceEntry is one account balance as reported on the wire. Amount and
// Currency always travel together so a snapshot can never pair a balance with
// another account's currency.
type BalanceEntry struct {
	Type     string          `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	IsActive bool            `json:"is_active"`
}

// ProfilePayload is the broker's profile frame. It carries the active balance
// alongside identity fields.
type ProfilePayload struct {
	UserID      int64           `json:"user_id"`
	Name        string          `json:"name"`
	Nickname    string          `json:"nickname"`
	BalanceType string          `json:"balance_type"`
	Balance     decimal.Decimal `json:"balance"`
	Currency    string          `json:"currency"`
}

// AssetStatus is the per-instrument entry of an open-assets snapshot.
type AssetStatus struct {
	Open bool `json:"open"`
}

// OpenAssetsPayload maps category -> symbol -> status.
type OpenAssetsPayload struct {
	Categories map[string]map[string]AssetStatus `json:"categories"`
}

// PayoutsPayload maps symbol -> category -> payout fraction (0.87 = 87%).
type PayoutsPayload struct {
	Profits map[string]map[string]float64 `json:"profits"`
}

// Candle is one OHLC bar. The wire names the extremes "max"/"min".
type Candle struct {
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	High   float64 `json:"max"`
	Low    float64 `json:"min"`
	Volume float64 `json:"volume"`
}

// CandlesPayload is the reply to a historical candle request.
type CandlesPayload struct {
	Candles []Candle `json:"candles"`
}

// StreamCandle is a live candle push, tagged with its instrument.
type StreamCandle struct {
	Symbol string `json:"active"`
	Candle
}

// Quote is a live price push for one instrument.
type Quote struct {
	Symbol string  `json:"active"`
	Time   int64   `json:"time"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Value  float64 `json:"value"`
}

// Credentials are the stored login material plus the account type to activate
// after connecting.
type Credentials struct {
	Email       string
	Secret      string
	DefaultType AccountType
}
