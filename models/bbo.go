package models

import "time"

// Quote is the top of book for one market as pushed by the ticker channel.
// A nil field means the exchange did not send it; it is never zero-filled.
type Quote struct {
	Market      string   `json:"market"`
	BestBid     *float64 `json:"best_bid,omitempty"`
	BestBidSize *float64 `json:"best_bid_size,omitempty"`
	BestAsk     *float64 `json:"best_ask,omitempty"`
	BestAskSize *float64 `json:"best_ask_size,omitempty"`
	LastPrice   *float64 `json:"last_price,omitempty"`
}

// HasBid reports whether both bid price and size are known.
func (q Quote) HasBid() bool { return q.BestBid != nil && q.BestBidSize != nil }

// HasAsk reports whether both ask price and size are known.
func (q Quote) HasAsk() bool { return q.BestAsk != nil && q.BestAskSize != nil }

// Spread returns ask minus bid when both sides are known.
func (q Quote) Spread() (float64, bool) {
	if q.BestBid == nil || q.BestAsk == nil {
		return 0, false
	}
	return *q.BestAsk - *q.BestBid, true
}

// RawQuoteMessage wraps a decoded quote with the time it was received.
type RawQuoteMessage struct {
	Exchange  string
	Quote     Quote
	Timestamp time.Time
}

// NormQuoteMessage is one quote row as stored downstream.
type NormQuoteMessage struct {
	Market       string   `json:"market"`
	BestBid      *float64 `json:"best_bid,omitempty"`
	BestBidSize  *float64 `json:"best_bid_size,omitempty"`
	BestAsk      *float64 `json:"best_ask,omitempty"`
	BestAskSize  *float64 `json:"best_ask_size,omitempty"`
	LastPrice    *float64 `json:"last_price,omitempty"`
	ReceivedTime int64    `json:"received_time"`
}

// BatchQuoteMessage groups quote rows of a single market.
type BatchQuoteMessage struct {
	BatchID     string             `json:"batch_id"`
	Exchange    string             `json:"exchange"`
	Market      string             `json:"market"`
	Entries     []NormQuoteMessage `json:"entries"`
	RecordCount int                `json:"record_count"`
	Timestamp   time.Time          `json:"timestamp"`
	ProcessedAt time.Time          `json:"processed_at"`
}
