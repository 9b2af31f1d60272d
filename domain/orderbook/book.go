package orderbook

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// side keeps price levels best first. Resting MARKET orders accept any
// price and queue ahead of every priced level.
type side struct {
	dir    Direction
	market PriceLevel
	levels []*PriceLevel
}

func (s *side) better(a, b decimal.Decimal) bool {
	if s.dir == Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (s *side) search(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].Price.Decimal, price)
	})
}

func (s *side) levelFor(price decimal.Decimal) *PriceLevel {
	i := s.search(price)
	if i < len(s.levels) && s.levels[i].Price.Decimal.Equal(price) {
		return s.levels[i]
	}
	lvl := &PriceLevel{Price: decimal.NewNullDecimal(price)}
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = lvl
	return lvl
}

func (s *side) drop(lvl *PriceLevel) {
	if !lvl.Price.Valid {
		return
	}
	i := s.search(lvl.Price.Decimal)
	if i < len(s.levels) && s.levels[i] == lvl {
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
	}
}

func (s *side) each(fn func(o *Order) bool) {
	if !s.market.each(fn) {
		return
	}
	for _, lvl := range s.levels {
		if !lvl.each(fn) {
			return
		}
	}
}

// Book is the in-memory state of one instrument: both resting sides, every
// order seen since the book was built and the trades it produced.
// Book is not safe for concurrent use; callers serialize access per instrument.
type Book struct {
	bids side
	asks side

	orders map[uuid.UUID]*Order
	nodes  map[uuid.UUID]*node
	trades []Trade
}

func NewBook() *Book {
	return &Book{
		bids:   side{dir: Buy},
		asks:   side{dir: Sell},
		orders: make(map[uuid.UUID]*Order),
		nodes:  make(map[uuid.UUID]*node),
	}
}

func (b *Book) side(d Direction) *side {
	if d == Buy {
		return &b.bids
	}
	return &b.asks
}

// Eligible reports whether resting may trade against in. A resting MARKET
// order accepts a LIMIT incoming order at its limit but never another MARKET.
func Eligible(in, resting Order) bool {
	if resting.Direction == in.Direction || !resting.Status.Active() || resting.Remaining <= 0 {
		return false
	}
	if resting.Type == Market {
		return in.Type == Limit
	}
	if in.Type == Market {
		return true
	}
	if in.Direction == Buy {
		return resting.Price.Decimal.LessThanOrEqual(in.Price.Decimal)
	}
	return resting.Price.Decimal.GreaterThanOrEqual(in.Price.Decimal)
}

// Candidates returns copies of the resting orders in may trade against, in
// priority order. The walk stops at the first priced level out of range.
func (b *Book) Candidates(in Order) []Order {
	var out []Order
	b.side(in.Direction.Opposite()).each(func(o *Order) bool {
		if o.Type == Limit && !Eligible(in, *o) {
			return false
		}
		if Eligible(in, *o) {
			out = append(out, *o)
		}
		return true
	})
	return out
}

// Add registers o and rests it when it is still active.
func (b *Book) Add(o Order) {
	if n, ok := b.nodes[o.ID]; ok {
		b.remove(n)
	}
	p := new(Order)
	*p = o
	b.orders[o.ID] = p
	if !o.Status.Active() || o.Remaining <= 0 {
		return
	}

	n := &node{order: p}
	s := b.side(o.Direction)
	if o.Type == Market {
		s.market.Enqueue(n)
	} else {
		s.levelFor(o.Price.Decimal).Enqueue(n)
	}
	b.nodes[o.ID] = n
}

func (b *Book) remove(n *node) {
	lvl := n.lvl
	lvl.unlink(n)
	delete(b.nodes, n.order.ID)
	if lvl.Empty() {
		b.side(n.order.Direction).drop(lvl)
	}
}

func (b *Book) update(o Order) {
	cur, ok := b.orders[o.ID]
	if !ok {
		b.Add(o)
		return
	}
	if n := b.nodes[o.ID]; n != nil {
		if o.Status.Active() && o.Remaining > 0 {
			n.lvl.TotalQty -= cur.Remaining - o.Remaining
			*cur = o
			return
		}
		b.remove(n)
	}
	*cur = o
}

// Apply installs a committed match result: makers are written back, the
// taker rests if anything remains and the trades join the ledger.
func (b *Book) Apply(res Result) {
	for _, m := range res.Makers {
		b.update(m)
	}
	b.Add(res.Taker)
	b.trades = append(b.trades, res.Trades...)
}

// Cancel marks the order cancelled and takes it off its level.
func (b *Book) Cancel(id uuid.UUID) (Order, bool) {
	cur, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	if n := b.nodes[id]; n != nil {
		b.remove(n)
	}
	cur.Status = Cancelled
	return *cur, true
}

func (b *Book) Order(id uuid.UUID) (Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Resting returns the active orders of one side in priority order.
func (b *Book) Resting(d Direction) []Order {
	var out []Order
	b.side(d).each(func(o *Order) bool {
		out = append(out, *o)
		return true
	})
	return out
}

// Levels returns the priced levels of one side, best first.
func (b *Book) Levels(d Direction) []PriceLevel {
	s := b.side(d)
	out := make([]PriceLevel, 0, len(s.levels))
	for _, lvl := range s.levels {
		out = append(out, PriceLevel{Price: lvl.Price, TotalQty: lvl.TotalQty, OrderCount: lvl.OrderCount})
	}
	return out
}

// Trades returns the trades applied to this book, oldest first.
func (b *Book) Trades() []Trade {
	out := make([]Trade, len(b.trades))
	copy(out, b.trades)
	return out
}
