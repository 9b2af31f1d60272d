package orderbook

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gotest.tools/v3/assert"
)

var testInstrument = uuid.MustParse("6f1c1f0e-6a43-4f5e-9b57-0c1f0d5a9a11")

func limit(dir Direction, qty int64, price int64, seq uint64) Order {
	return Order{
		ID:           uuid.New(),
		TraderID:     "trader",
		InstrumentID: testInstrument,
		Symbol:       "AAPL",
		Direction:    dir,
		Type:         Limit,
		Price:        decimal.NewNullDecimal(decimal.NewFromInt(price)),
		Quantity:     qty,
		Remaining:    qty,
		Status:       Open,
		Seq:          seq,
	}
}

func market(dir Direction, qty int64, seq uint64) Order {
	o := limit(dir, qty, 0, seq)
	o.Type = Market
	o.Price = decimal.NullDecimal{}
	return o
}

func fixedMatcher() *Matcher {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Matcher{NewID: uuid.New, Now: func() time.Time { return at }}
}

// pass runs a full admission against the book the way the service does.
func pass(t *testing.T, b *Book, m *Matcher, in Order) Result {
	t.Helper()
	res, err := m.Match(in, b.Candidates(in))
	assert.NilError(t, err)
	b.Apply(res)
	return res
}

func TestMatchFullFill(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	buy := limit(Buy, 100, 150, 1)
	pass(t, b, m, buy)

	sell := limit(Sell, 100, 150, 2)
	res := pass(t, b, m, sell)

	assert.Equal(t, len(res.Trades), 1)
	tr := res.Trades[0]
	assert.Equal(t, tr.Quantity, int64(100))
	assert.Assert(t, tr.Price.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, tr.BuyOrderID, buy.ID)
	assert.Equal(t, tr.SellOrderID, sell.ID)
	assert.Equal(t, tr.Seq, uint64(2))

	got, _ := b.Order(buy.ID)
	assert.Equal(t, got.Status, Filled)
	got, _ = b.Order(sell.ID)
	assert.Equal(t, got.Status, Filled)
	assert.Equal(t, len(b.Resting(Buy)), 0)
	assert.Equal(t, len(b.Levels(Buy)), 0)
}

func TestMatchPartialFill(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	buy := limit(Buy, 500, 150, 1)
	pass(t, b, m, buy)
	res := pass(t, b, m, limit(Sell, 200, 150, 2))

	assert.Equal(t, len(res.Trades), 1)
	assert.Equal(t, res.Trades[0].Quantity, int64(200))

	got, _ := b.Order(buy.ID)
	assert.Equal(t, got.Status, PartiallyFilled)
	assert.Equal(t, got.Remaining, int64(300))

	lvls := b.Levels(Buy)
	assert.Equal(t, len(lvls), 1)
	assert.Equal(t, lvls[0].TotalQty, int64(300))
}

func TestMatchBestPriceFirst(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	pass(t, b, m, limit(Buy, 100, 145, 1))
	best := limit(Buy, 100, 150, 2)
	pass(t, b, m, best)
	pass(t, b, m, limit(Buy, 100, 148, 3))

	sell := limit(Sell, 100, 148, 4)
	res := pass(t, b, m, sell)

	assert.Equal(t, len(res.Trades), 1)
	assert.Equal(t, res.Trades[0].BuyOrderID, best.ID)
	assert.Assert(t, res.Trades[0].Price.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, res.Taker.Status, Filled)
	assert.Assert(t, res.LastPrice.Valid)
	assert.Assert(t, res.LastPrice.Decimal.Equal(decimal.NewFromInt(150)))
}

func TestMatchWalksAsksLowestFirst(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	far := limit(Sell, 42, 96, 1)
	near := limit(Sell, 13, 95, 2)
	pass(t, b, m, far)
	pass(t, b, m, near)

	res := pass(t, b, m, limit(Buy, 50, 104, 3))
	assert.Equal(t, len(res.Trades), 2)
	assert.Equal(t, res.Trades[0].SellOrderID, near.ID)
	assert.Equal(t, res.Trades[0].Quantity, int64(13))
	assert.Assert(t, res.Trades[0].Price.Equal(decimal.NewFromInt(95)))
	assert.Equal(t, res.Trades[1].SellOrderID, far.ID)
	assert.Equal(t, res.Trades[1].Quantity, int64(37))
	assert.Assert(t, res.Trades[1].Price.Equal(decimal.NewFromInt(96)))
	assert.Equal(t, res.Taker.Status, Filled)

	got, _ := b.Order(far.ID)
	assert.Equal(t, got.Remaining, int64(5))
}

func TestMatchMarketTakesRestingPrice(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	pass(t, b, m, limit(Buy, 100, 150, 1))

	res := pass(t, b, m, market(Sell, 100, 2))
	assert.Equal(t, len(res.Trades), 1)
	assert.Assert(t, res.Trades[0].Price.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, res.Taker.Status, Filled)
}

func TestMatchTimePriorityWithinLevel(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	first := limit(Sell, 50, 100, 1)
	second := limit(Sell, 50, 100, 2)
	pass(t, b, m, first)
	pass(t, b, m, second)

	res := pass(t, b, m, limit(Buy, 60, 100, 3))
	assert.Equal(t, len(res.Trades), 2)
	assert.Equal(t, res.Trades[0].SellOrderID, first.ID)
	assert.Equal(t, res.Trades[0].Quantity, int64(50))
	assert.Equal(t, res.Trades[1].SellOrderID, second.ID)
	assert.Equal(t, res.Trades[1].Quantity, int64(10))

	got, _ := b.Order(second.ID)
	assert.Equal(t, got.Status, PartiallyFilled)
	assert.Equal(t, got.Remaining, int64(40))
}

func TestMatchPriceImprovementGoesToResting(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	pass(t, b, m, limit(Sell, 10, 90, 1))
	res := pass(t, b, m, limit(Buy, 10, 120, 2))
	assert.Assert(t, res.Trades[0].Price.Equal(decimal.NewFromInt(90)))
}

func TestMatchLimitAgainstRestingMarket(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	// nothing to trade against, so the market order rests
	rest := pass(t, b, m, market(Buy, 30, 1))
	assert.Equal(t, rest.Taker.Status, Open)
	pass(t, b, m, limit(Buy, 30, 200, 2))

	res := pass(t, b, m, limit(Sell, 40, 101, 3))
	assert.Equal(t, len(res.Trades), 2)
	assert.Equal(t, res.Trades[0].BuyOrderID, rest.Taker.ID)
	assert.Assert(t, res.Trades[0].Price.Equal(decimal.NewFromInt(101)))
	assert.Assert(t, res.Trades[1].Price.Equal(decimal.NewFromInt(200)))
}

func TestMarketNeverMeetsRestingMarket(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	pass(t, b, m, market(Buy, 30, 1))

	in := market(Sell, 30, 2)
	assert.Equal(t, len(b.Candidates(in)), 0)

	_, err := m.Match(in, b.Resting(Buy))
	assert.Assert(t, errors.Is(err, ErrInvariant))
}

func TestLimitOutOfRangeRests(t *testing.T) {
	b, m := NewBook(), fixedMatcher()
	pass(t, b, m, limit(Sell, 10, 105, 1))
	res := pass(t, b, m, limit(Buy, 10, 100, 2))

	assert.Equal(t, len(res.Trades), 0)
	assert.Equal(t, res.Taker.Status, Open)
	assert.Assert(t, !res.LastPrice.Valid)
	assert.Equal(t, len(b.Resting(Buy)), 1)
	assert.Equal(t, len(b.Resting(Sell)), 1)
}

func TestMatchRejectsBrokenPreconditions(t *testing.T) {
	m := fixedMatcher()
	partial := limit(Buy, 10, 100, 1)
	partial.Remaining = 5

	cancelled := limit(Buy, 10, 100, 1)
	cancelled.Status = Cancelled

	sameSide := limit(Buy, 10, 100, 0)

	inactive := limit(Sell, 10, 100, 0)
	inactive.Status = Filled

	cases := []struct {
		name       string
		in         Order
		candidates []Order
	}{
		{"remaining differs from quantity", partial, nil},
		{"incoming not open", cancelled, nil},
		{"candidate on same side", limit(Buy, 10, 100, 1), []Order{sameSide}},
		{"candidate inactive", limit(Buy, 10, 100, 1), []Order{inactive}},
		{"both unpriced", market(Buy, 10, 1), []Order{market(Sell, 10, 0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Match(tc.in, tc.candidates)
			assert.Assert(t, errors.Is(err, ErrInvariant), "got %v", err)
		})
	}
}

func TestMatchDoesNotMutateInputs(t *testing.T) {
	m := fixedMatcher()
	in := limit(Buy, 10, 100, 2)
	cands := []Order{limit(Sell, 4, 100, 1)}

	res, err := m.Match(in, cands)
	assert.NilError(t, err)
	assert.Equal(t, cands[0].Remaining, int64(4))
	assert.Equal(t, res.Makers[0].Remaining, int64(0))
	assert.Equal(t, res.Taker.Remaining, int64(6))
	assert.Equal(t, res.Executed(), int64(4))
}
