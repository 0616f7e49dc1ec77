package models

// PriceLevel is one aggregated price level of a book side.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is reserved for incremental book maintenance. Nothing in the feed
// populates it yet: that needs a snapshot fetch, nonce contiguity checks and a
// resnapshot on gaps, none of which the ticker/trades channels provide.
type OrderBook struct {
	Market string       `json:"market"`
	Nonce  int64        `json:"nonce"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}
