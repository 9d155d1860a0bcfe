package model

// OrderType is the execution style of a single leg.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether the order type is a known value.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// TransactionType is the side of a leg.
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// Valid reports whether the transaction type is a known value.
func (t TransactionType) Valid() bool {
	return t == TransactionBuy || t == TransactionSell
}

// Inverse returns the opposite side. Exit legs always carry the inverse
// of the parent's transaction type.
func (t TransactionType) Inverse() TransactionType {
	if t == TransactionBuy {
		return TransactionSell
	}
	return TransactionBuy
}

// OrderLeg is a single order leg of a bracket — the parent entry order or
// the base of an exit leg. Prices are stored as int64 in paise
// (1 INR = 100 paise) to avoid float drift.
type OrderLeg struct {
	Symbol          string          `json:"symbol"`
	Underlying      string          `json:"underlying"`
	OrderType       OrderType       `json:"order_type"`
	TransactionType TransactionType `json:"transaction_type"`
	Qty             int64           `json:"qty"`
	Price           int64           `json:"price"`          // limit price in paise (0 for market)
	FilledQty       int64           `json:"filled_qty"`     // cumulative fill
	AvgFillPrice    int64           `json:"avg_fill_price"` // fill average in paise
}

// Filled reports whether the leg is completely filled.
func (l *OrderLeg) Filled() bool {
	return l.Qty > 0 && l.FilledQty >= l.Qty
}
