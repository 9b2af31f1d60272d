package service

import (
	"github.com/shopspring/decimal"

	"venue/domain/orderbook"
)

type OrderRequest struct {
	TraderID  string
	Symbol    string
	Direction orderbook.Direction
	Type      orderbook.Type
	Quantity  int64
	Price     decimal.NullDecimal
}

// LegRequest is one leg of a composite; the trader comes from the composite.
type LegRequest struct {
	Symbol    string
	Direction orderbook.Direction
	Type      orderbook.Type
	Quantity  int64
	Price     decimal.NullDecimal
}

func (l LegRequest) order(traderID string) OrderRequest {
	return OrderRequest{
		TraderID:  traderID,
		Symbol:    l.Symbol,
		Direction: l.Direction,
		Type:      l.Type,
		Quantity:  l.Quantity,
		Price:     l.Price,
	}
}

// Validate checks a request the way the transport must before admission.
// A LIMIT order needs a positive price and a MARKET order must not carry one.
func Validate(r OrderRequest) error {
	switch {
	case r.TraderID == "":
		return &ValidationError{Field: "traderId", Reason: "is required"}
	case r.Symbol == "":
		return &ValidationError{Field: "symbol", Reason: "is required"}
	case r.Direction != orderbook.Buy && r.Direction != orderbook.Sell:
		return &ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	case r.Quantity < 1:
		return &ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}

	switch r.Type {
	case orderbook.Limit:
		if !r.Price.Valid {
			return &ValidationError{Field: "price", Reason: "is required for LIMIT orders"}
		}
		if !r.Price.Decimal.IsPositive() {
			return &ValidationError{Field: "price", Reason: "must be positive"}
		}
	case orderbook.Market:
		if r.Price.Valid {
			return &ValidationError{Field: "price", Reason: "must be empty for MARKET orders"}
		}
	default:
		return &ValidationError{Field: "type", Reason: "must be MARKET or LIMIT"}
	}
	return nil
}
