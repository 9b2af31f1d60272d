package service

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"venue/domain/composite"
	"venue/domain/orderbook"
)

// Journal payloads. A place command carries everything needed to rebuild
// the order, so replay produces the same id and creation time.

type placeCommand struct {
	OrderID     uuid.UUID           `json:"orderId"`
	TraderID    string              `json:"traderId"`
	Symbol      string              `json:"symbol"`
	Direction   orderbook.Direction `json:"direction"`
	Type        orderbook.Type      `json:"type"`
	Price       decimal.NullDecimal `json:"price"`
	Quantity    int64               `json:"quantity"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompositeID uuid.NullUUID       `json:"compositeId"`
}

func newPlaceCommand(id uuid.UUID, r OrderRequest, at time.Time) placeCommand {
	return placeCommand{
		OrderID:   id,
		TraderID:  r.TraderID,
		Symbol:    r.Symbol,
		Direction: r.Direction,
		Type:      r.Type,
		Price:     r.Price,
		Quantity:  r.Quantity,
		CreatedAt: at,
	}
}

func (c placeCommand) request() OrderRequest {
	return OrderRequest{
		TraderID:  c.TraderID,
		Symbol:    c.Symbol,
		Direction: c.Direction,
		Type:      c.Type,
		Quantity:  c.Quantity,
		Price:     c.Price,
	}
}

// order builds the OPEN order the command admits.
func (c placeCommand) order(inst orderbook.Instrument, seq uint64) orderbook.Order {
	return orderbook.Order{
		ID:           c.OrderID,
		TraderID:     c.TraderID,
		InstrumentID: inst.ID,
		Symbol:       inst.Symbol,
		Direction:    c.Direction,
		Type:         c.Type,
		Price:        c.Price,
		Quantity:     c.Quantity,
		Remaining:    c.Quantity,
		Status:       orderbook.Open,
		Seq:          seq,
		CreatedAt:    c.CreatedAt,
		CompositeID:  c.CompositeID,
	}
}

type cancelCommand struct {
	OrderID uuid.UUID `json:"orderId"`
	Symbol  string    `json:"symbol"`
}

type compositeCommand struct {
	Composite composite.Composite `json:"composite"`
	Legs      []placeCommand      `json:"legs"`
}

func encodeCommand(v any) ([]byte, error) {
	return jsoniter.Marshal(v)
}

func decodeCommand(data []byte, v any) error {
	return jsoniter.Unmarshal(data, v)
}
