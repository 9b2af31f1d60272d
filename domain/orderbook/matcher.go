package orderbook

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrInvariant marks a violated engine precondition. It is a defect, never a
// user error.
var ErrInvariant = errors.New("matching invariant violated")

// Result is the outcome of one matching pass. Nothing in it has been applied
// to a book yet.
type Result struct {
	Taker     Order
	Makers    []Order
	Trades    []Trade
	LastPrice decimal.NullDecimal
}

// Executed returns the total quantity traded in the pass.
func (r Result) Executed() int64 {
	var n int64
	for _, t := range r.Trades {
		n += t.Quantity
	}
	return n
}

type Matcher struct {
	NewID func() uuid.UUID
	Now   func() time.Time
}

func NewMatcher() *Matcher {
	return &Matcher{NewID: uuid.New, Now: time.Now}
}

// Match pairs incoming with candidates, which must be eligible and already in
// priority order. It works on copies; the caller decides whether to commit.
func (m *Matcher) Match(incoming Order, candidates []Order) (Result, error) {
	if err := checkIncoming(incoming); err != nil {
		return Result{}, err
	}

	taker := incoming
	res := Result{}
	for _, c := range candidates {
		if taker.Remaining <= 0 {
			break
		}
		if !Eligible(taker, c) {
			return Result{}, errors.Wrapf(ErrInvariant, "order %s: candidate %s is not eligible", taker.ID, c.ID)
		}
		price, err := executionPrice(taker, c)
		if err != nil {
			return Result{}, err
		}

		qty := min(taker.Remaining, c.Remaining)
		trade := Trade{
			ID:           m.NewID(),
			InstrumentID: taker.InstrumentID,
			Symbol:       taker.Symbol,
			Price:        price,
			Quantity:     qty,
			Seq:          taker.Seq,
			Timestamp:    m.Now(),
		}
		if taker.Direction == Buy {
			trade.BuyOrderID, trade.SellOrderID = taker.ID, c.ID
		} else {
			trade.BuyOrderID, trade.SellOrderID = c.ID, taker.ID
		}

		taker.Remaining -= qty
		c.Remaining -= qty
		if taker.Remaining < 0 || c.Remaining < 0 {
			return Result{}, errors.Wrapf(ErrInvariant, "order %s: negative remaining", taker.ID)
		}
		taker.Status = DeriveStatus(taker.Remaining, taker.Quantity)
		c.Status = DeriveStatus(c.Remaining, c.Quantity)

		res.Trades = append(res.Trades, trade)
		res.Makers = append(res.Makers, c)
		res.LastPrice = decimal.NewNullDecimal(price)
	}
	res.Taker = taker
	return res, nil
}

func checkIncoming(o Order) error {
	switch {
	case o.Status != Open:
		return errors.Wrapf(ErrInvariant, "order %s: incoming status %s", o.ID, o.Status)
	case o.Quantity <= 0:
		return errors.Wrapf(ErrInvariant, "order %s: quantity %d", o.ID, o.Quantity)
	case o.Remaining != o.Quantity:
		return errors.Wrapf(ErrInvariant, "order %s: remaining %d of %d before matching", o.ID, o.Remaining, o.Quantity)
	case o.Type == Limit && !o.Price.Valid:
		return errors.Wrapf(ErrInvariant, "order %s: limit order without price", o.ID)
	case o.Type == Market && o.Price.Valid:
		return errors.Wrapf(ErrInvariant, "order %s: market order with price", o.ID)
	}
	return nil
}

// executionPrice favours the resting order: a MARKET taker pays the resting
// price, a resting MARKET order trades at the taker's limit.
func executionPrice(taker, resting Order) (decimal.Decimal, error) {
	switch {
	case !taker.Price.Valid && !resting.Price.Valid:
		return decimal.Decimal{}, errors.Wrapf(ErrInvariant, "orders %s and %s are both unpriced", taker.ID, resting.ID)
	case !taker.Price.Valid:
		return resting.Price.Decimal, nil
	case !resting.Price.Valid:
		return taker.Price.Decimal, nil
	default:
		return resting.Price.Decimal, nil
	}
}
