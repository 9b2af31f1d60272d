package orderbook

import "github.com/shopspring/decimal"

type node struct {
	order *Order

	next *node
	prev *node
	lvl  *PriceLevel
}

// PriceLevel is a FIFO queue at a single price. The per-side level holding
// resting MARKET orders has an invalid Price.
type PriceLevel struct {
	Price decimal.NullDecimal

	head *node
	tail *node

	TotalQty   int64
	OrderCount int
}

func (p *PriceLevel) Enqueue(n *node) {
	if p.head == nil {
		p.head = n
		p.tail = n
	} else {
		p.tail.next = n
		n.prev = p.tail
		p.tail = n
	}
	n.lvl = p
	p.TotalQty += n.order.Remaining
	p.OrderCount++
}

func (p *PriceLevel) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		p.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		p.tail = n.prev
	}

	n.next = nil
	n.prev = nil
	n.lvl = nil

	p.TotalQty -= n.order.Remaining
	p.OrderCount--
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// each visits the queue front to back until fn returns false, and reports
// whether it reached the end.
func (p *PriceLevel) each(fn func(o *Order) bool) bool {
	for n := p.head; n != nil; n = n.next {
		if !fn(n.order) {
			return false
		}
	}
	return true
}
