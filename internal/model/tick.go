package model

import "time"

// Tick is a single market data tick from the price feed.
// Price is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Underlying string    `json:"underlying"`
	Price      int64     `json:"price"`   // paise (LTP)
	Qty        int64     `json:"qty"`     // last traded quantity
	TickTS     time.Time `json:"tick_ts"` // UTC timestamp
}
