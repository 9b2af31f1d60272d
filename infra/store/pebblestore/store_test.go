package pebblestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gotest.tools/v3/assert"

	"venue/domain/composite"
	"venue/domain/orderbook"
	"venue/infra/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	assert.NilError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func order(inst uuid.UUID, dir orderbook.Direction, price int64, seq uint64, status orderbook.Status) orderbook.Order {
	return orderbook.Order{
		ID:           uuid.New(),
		TraderID:     "t1",
		InstrumentID: inst,
		Symbol:       "AAPL",
		Direction:    dir,
		Type:         orderbook.Limit,
		Price:        decimal.NewNullDecimal(decimal.NewFromInt(price)),
		Quantity:     10,
		Remaining:    10,
		Status:       status,
		Seq:          seq,
		CreatedAt:    time.Unix(1700000000, 0).UTC(),
	}
}

func TestCommitAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	inst := orderbook.Instrument{ID: uuid.New(), Symbol: "AAPL", LastPrice: decimal.NewNullDecimal(decimal.RequireFromString("150.25")), LastSeq: 3}
	a := order(inst.ID, orderbook.Buy, 145, 1, orderbook.Open)
	b := order(inst.ID, orderbook.Buy, 150, 2, orderbook.PartiallyFilled)
	c := order(inst.ID, orderbook.Buy, 150, 3, orderbook.Filled)
	tr := orderbook.Trade{ID: uuid.New(), BuyOrderID: c.ID, SellOrderID: uuid.New(), InstrumentID: inst.ID, Symbol: "AAPL", Price: decimal.NewFromInt(150), Quantity: 10, Seq: 3}

	err := s.Commit(ctx, &store.Unit{
		Seq:        3,
		Instrument: &inst,
		Orders:     []orderbook.Order{a, b, c},
		Trades:     []orderbook.Trade{tr},
	})
	assert.NilError(t, err)

	insts, err := s.Instruments(ctx)
	assert.NilError(t, err)
	assert.Equal(t, len(insts), 1)
	assert.Equal(t, insts[0].Symbol, "AAPL")
	assert.Assert(t, insts[0].LastPrice.Decimal.Equal(inst.LastPrice.Decimal))

	got, err := s.Order(ctx, b.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, orderbook.PartiallyFilled)
	assert.Assert(t, got.Price.Decimal.Equal(decimal.NewFromInt(150)))

	resting, err := s.RestingOrders(ctx, inst.ID, orderbook.Buy)
	assert.NilError(t, err)
	assert.Equal(t, len(resting), 2)
	assert.Equal(t, resting[0].ID, b.ID)
	assert.Equal(t, resting[1].ID, a.ID)

	trades, err := s.Trades(ctx, inst.ID)
	assert.NilError(t, err)
	assert.Equal(t, len(trades), 1)
	assert.Equal(t, trades[0].ID, tr.ID)

	last, err := s.LastSeq(ctx)
	assert.NilError(t, err)
	assert.Equal(t, last, uint64(3))
}

func TestCommitRemovesInactiveFromResting(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	inst := uuid.New()

	o := order(inst, orderbook.Sell, 100, 1, orderbook.Open)
	assert.NilError(t, s.Commit(ctx, &store.Unit{Seq: 1, Orders: []orderbook.Order{o}}))

	o.Status = orderbook.Cancelled
	assert.NilError(t, s.Commit(ctx, &store.Unit{Seq: 2, Orders: []orderbook.Order{o}}))

	resting, err := s.RestingOrders(ctx, inst, orderbook.Sell)
	assert.NilError(t, err)
	assert.Equal(t, len(resting), 0)

	// an older sequence never moves the watermark back
	assert.NilError(t, s.Commit(ctx, &store.Unit{Seq: 1}))
	last, err := s.LastSeq(ctx)
	assert.NilError(t, err)
	assert.Equal(t, last, uint64(2))
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, err := s.Order(ctx, uuid.New())
	assert.Assert(t, errors.Is(err, store.ErrNotFound))
	_, err = s.Composite(ctx, uuid.New())
	assert.Assert(t, errors.Is(err, store.ErrNotFound))
}

func TestCompositeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	c := composite.Composite{ID: uuid.New(), TraderID: "t1", Legs: []uuid.UUID{uuid.New(), uuid.New()}, Seq: 7}
	assert.NilError(t, s.Commit(ctx, &store.Unit{Seq: 7, Composite: &c}))

	got, err := s.Composite(ctx, c.ID)
	assert.NilError(t, err)
	assert.DeepEqual(t, got.Legs, c.Legs)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	events := []store.Event{
		{ID: store.EventID{Seq: 4, Index: 0}, Kind: "trade", Key: []byte("AAPL"), Payload: []byte("a")},
		{ID: store.EventID{Seq: 4, Index: 1}, Kind: "order", Key: []byte("AAPL"), Payload: []byte("b")},
		{ID: store.EventID{Seq: 9, Index: 0}, Kind: "order", Key: []byte("MSFT"), Payload: []byte("c")},
	}
	assert.NilError(t, s.Commit(ctx, &store.Unit{Seq: 9, Events: events}))

	pending, err := s.Outbox(ctx, 10)
	assert.NilError(t, err)
	assert.Equal(t, len(pending), 3)
	assert.Equal(t, pending[0].ID, events[0].ID)
	assert.Equal(t, string(pending[1].Payload), "b")
	assert.Equal(t, pending[0].State, store.StateNew)

	limited, err := s.Outbox(ctx, 2)
	assert.NilError(t, err)
	assert.Equal(t, len(limited), 2)

	assert.NilError(t, s.SetOutboxState(ctx, events[0].ID, store.StateAcked))
	assert.NilError(t, s.SetOutboxState(ctx, events[1].ID, store.StateFailed))
	assert.NilError(t, s.SetOutboxState(ctx, events[2].ID, store.StateAcked))

	pending, err = s.Outbox(ctx, 10)
	assert.NilError(t, err)
	assert.Equal(t, len(pending), 1)
	assert.Equal(t, pending[0].State, store.StateFailed)
	assert.Equal(t, pending[0].Retries, uint32(1))

	n, err := s.PurgeAcked(ctx, 5)
	assert.NilError(t, err)
	assert.Equal(t, n, 1)

	err = s.SetOutboxState(ctx, events[0].ID, store.StateAcked)
	assert.Assert(t, errors.Is(err, store.ErrNotFound))
}
