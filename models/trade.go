package models

import "time"

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the sides the exchange publishes.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade is a single public trade. Every field is mandatory on the wire.
type Trade struct {
	Market    string  `json:"market"`
	ID        string  `json:"id"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Side      Side    `json:"side"`
	Timestamp int64   `json:"timestamp"`
}

// Time converts the millisecond timestamp.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// RawTradeMessage wraps a decoded trade with the time it was received.
type RawTradeMessage struct {
	Exchange  string
	Trade     Trade
	Timestamp time.Time
}

// NormTradeMessage is one trade row as stored downstream.
type NormTradeMessage struct {
	Market       string  `json:"market"`
	TradeID      string  `json:"trade_id"`
	Price        float64 `json:"price"`
	Amount       float64 `json:"amount"`
	Side         string  `json:"side"`
	TradeTime    int64   `json:"trade_time"`
	ReceivedTime int64   `json:"received_time"`
}

// BatchTradeMessage groups trade rows of a single market.
type BatchTradeMessage struct {
	BatchID     string             `json:"batch_id"`
	Exchange    string             `json:"exchange"`
	Market      string             `json:"market"`
	Entries     []NormTradeMessage `json:"entries"`
	RecordCount int                `json:"record_count"`
	Timestamp   time.Time          `json:"timestamp"`
	ProcessedAt time.Time          `json:"processed_at"`
}
