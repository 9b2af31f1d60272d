package service

import (
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"venue/domain/orderbook"
	"venue/infra/store"
)

const (
	EventOrder = "order"
	EventTrade = "trade"
)

// OrderFields flattens an order into protobuf Struct values.
func OrderFields(o orderbook.Order) map[string]any {
	f := map[string]any{
		"id":           o.ID.String(),
		"traderId":     o.TraderID,
		"instrumentId": o.InstrumentID.String(),
		"symbol":       o.Symbol,
		"direction":    o.Direction.String(),
		"type":         o.Type.String(),
		"price":        nil,
		"quantity":     o.Quantity,
		"remaining":    o.Remaining,
		"status":       o.Status.String(),
		"seq":          o.Seq,
		"createdAt":    o.CreatedAt.UTC().Format(time.RFC3339Nano),
		"compositeId":  nil,
	}
	if o.Price.Valid {
		f["price"] = o.Price.Decimal.String()
	}
	if o.CompositeID.Valid {
		f["compositeId"] = o.CompositeID.UUID.String()
	}
	return f
}

func TradeFields(t orderbook.Trade) map[string]any {
	return map[string]any{
		"id":           t.ID.String(),
		"buyOrderId":   t.BuyOrderID.String(),
		"sellOrderId":  t.SellOrderID.String(),
		"instrumentId": t.InstrumentID.String(),
		"symbol":       t.Symbol,
		"price":        t.Price.String(),
		"quantity":     t.Quantity,
		"seq":          t.Seq,
		"timestamp":    t.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func encodeFields(fields map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// passEvents builds the outbox events of one command: trades first, then
// every order whose state changed.
func passEvents(seq uint64, symbol string, orders []orderbook.Order, trades []orderbook.Trade) ([]store.Event, error) {
	events := make([]store.Event, 0, len(orders)+len(trades))
	add := func(kind string, fields map[string]any) error {
		payload, err := encodeFields(fields)
		if err != nil {
			return err
		}
		events = append(events, store.Event{
			ID:      store.EventID{Seq: seq, Index: len(events)},
			Kind:    kind,
			Key:     []byte(symbol),
			Payload: payload,
		})
		return nil
	}
	for _, t := range trades {
		if err := add(EventTrade, TradeFields(t)); err != nil {
			return nil, err
		}
	}
	for _, o := range orders {
		if err := add(EventOrder, OrderFields(o)); err != nil {
			return nil, err
		}
	}
	return events, nil
}
