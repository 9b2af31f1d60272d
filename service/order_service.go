package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"venue/domain/orderbook"
	"venue/infra/metrics"
	"venue/infra/store"
	entrywal "venue/infra/wal/entry"
)

// Journal is the command log in front of every state change.
type Journal interface {
	Append(t entrywal.RecordType, data []byte) (uint64, error)
	Done(seq uint64, aborted bool) error
	Checkpoint() (uint64, error)
	Observe(seq uint64)
}

// market is one instrument and its book. mu is held for writing across a
// whole admission or cancellation pass and for reading by lookups, so a
// reader never sees part of a pass.
type market struct {
	mu         sync.RWMutex
	instrument orderbook.Instrument
	book       *orderbook.Book
}

/*
OrderService is the ONLY write entry point into the system.

A pass runs entirely under its instrument's lock:
journal -> match on copies -> commit unit of work -> apply to memory -> settle journal.
Nothing in memory changes unless the commit succeeded.
*/
type OrderService struct {
	store   store.Store
	journal Journal
	matcher *orderbook.Matcher
	logger  *zap.Logger
	metrics *metrics.Metrics

	now   func() time.Time
	newID func() uuid.UUID

	markets sync.Map // symbol -> *market
	index   sync.Map // order id -> *market
}

// NewOrderService wires all dependencies.
func NewOrderService(
	st store.Store,
	journal Journal,
	logger *zap.Logger,
	m *metrics.Metrics,
) *OrderService {
	return &OrderService{
		store:   st,
		journal: journal,
		matcher: orderbook.NewMatcher(),
		logger:  logger,
		metrics: m,
		now:     time.Now,
		newID:   uuid.New,
	}
}

func (s *OrderService) market(symbol string) *market {
	if m, ok := s.markets.Load(symbol); ok {
		return m.(*market)
	}
	m, _ := s.markets.LoadOrStore(symbol, &market{
		instrument: orderbook.Instrument{ID: s.newID(), Symbol: symbol},
		book:       orderbook.NewBook(),
	})
	return m.(*market)
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// Admit places a new order and matches it. The returned order reflects the
// state after matching.
func (s *OrderService) Admit(ctx context.Context, req OrderRequest) (orderbook.Order, error) {
	if err := Validate(req); err != nil {
		return orderbook.Order{}, err
	}
	return s.admit(ctx, newPlaceCommand(s.newID(), req, s.now()))
}

func (s *OrderService) admit(ctx context.Context, cmd placeCommand) (orderbook.Order, error) {
	data, err := encodeCommand(cmd)
	if err != nil {
		return orderbook.Order{}, errors.WithMessage(err, "encode place")
	}

	m := s.market(cmd.Symbol)
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := s.journal.Append(entrywal.RecordPlace, data)
	if err != nil {
		return orderbook.Order{}, errors.WithMessage(err, "journal place")
	}

	o, err := s.place(ctx, m, cmd, seq)
	s.settle(seq, err)
	if err != nil {
		return orderbook.Order{}, err
	}
	s.metrics.ObserveSince(start)
	return o, nil
}

// place runs one matching pass for a journaled command. m must be locked.
func (s *OrderService) place(ctx context.Context, m *market, cmd placeCommand, seq uint64) (orderbook.Order, error) {
	incoming := cmd.order(m.instrument, seq)

	res, err := s.matcher.Match(incoming, m.book.Candidates(incoming))
	if err != nil {
		s.logger.Error("matching invariant violated",
			zap.Stringer("order", incoming.ID), zap.String("symbol", incoming.Symbol), zap.Uint64("seq", seq), zap.Error(err))
		return orderbook.Order{}, err
	}

	inst := m.instrument
	inst.LastSeq = seq
	if res.LastPrice.Valid {
		inst.LastPrice = res.LastPrice
	}
	changed := append([]orderbook.Order{res.Taker}, res.Makers...)
	events, err := passEvents(seq, inst.Symbol, changed, res.Trades)
	if err != nil {
		return orderbook.Order{}, errors.WithMessage(err, "encode events")
	}

	unit := &store.Unit{
		Seq:        seq,
		Instrument: &inst,
		Orders:     changed,
		Trades:     res.Trades,
		Events:     events,
	}
	if err := s.store.Commit(ctx, unit); err != nil {
		s.metrics.CommitFailures.Inc()
		s.logger.Warn("commit failed, pass discarded",
			zap.Stringer("order", incoming.ID), zap.Uint64("seq", seq), zap.Error(err))
		return orderbook.Order{}, errors.WithMessage(err, "commit pass")
	}

	m.instrument = inst
	m.book.Apply(res)
	s.index.Store(incoming.ID, m)

	s.metrics.OrdersAdmitted.WithLabelValues(incoming.Direction.String(), incoming.Type.String()).Inc()
	if n := len(res.Trades); n > 0 {
		s.metrics.Trades.WithLabelValues(inst.Symbol).Add(float64(n))
		s.metrics.TradedQuantity.WithLabelValues(inst.Symbol).Add(float64(res.Executed()))
	}
	s.logger.Debug("order admitted",
		zap.Stringer("order", incoming.ID),
		zap.String("symbol", inst.Symbol),
		zap.Stringer("status", res.Taker.Status),
		zap.Int("trades", len(res.Trades)),
		zap.Uint64("seq", seq))
	return res.Taker, nil
}

// Cancel moves an OPEN order to CANCELLED. Any fill makes it uncancellable.
func (s *OrderService) Cancel(ctx context.Context, id uuid.UUID) error {
	m, err := s.marketOf(ctx, id)
	if err != nil {
		s.metrics.Cancels.WithLabelValues("not_found").Inc()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := s.current(ctx, m, id)
	if err != nil {
		return err
	}
	if cur.Status != orderbook.Open {
		s.metrics.Cancels.WithLabelValues("rejected").Inc()
		return &InvalidStateError{ID: id, Status: cur.Status}
	}

	data, err := encodeCommand(cancelCommand{OrderID: id, Symbol: cur.Symbol})
	if err != nil {
		return errors.WithMessage(err, "encode cancel")
	}
	seq, err := s.journal.Append(entrywal.RecordCancel, data)
	if err != nil {
		return errors.WithMessage(err, "journal cancel")
	}

	err = s.cancel(ctx, m, cur, seq)
	s.settle(seq, err)
	if err != nil {
		return err
	}
	s.metrics.Cancels.WithLabelValues("ok").Inc()
	return nil
}

// cancel commits the cancellation of cur. m must be locked.
func (s *OrderService) cancel(ctx context.Context, m *market, cur orderbook.Order, seq uint64) error {
	updated := cur
	updated.Status = orderbook.Cancelled

	inst := m.instrument
	inst.LastSeq = seq
	events, err := passEvents(seq, inst.Symbol, []orderbook.Order{updated}, nil)
	if err != nil {
		return errors.WithMessage(err, "encode events")
	}

	unit := &store.Unit{
		Seq:        seq,
		Instrument: &inst,
		Orders:     []orderbook.Order{updated},
		Events:     events,
	}
	if err := s.store.Commit(ctx, unit); err != nil {
		s.metrics.CommitFailures.Inc()
		return errors.WithMessage(err, "commit cancel")
	}

	m.instrument = inst
	if _, ok := m.book.Cancel(cur.ID); !ok {
		m.book.Add(updated)
	}
	s.index.Store(cur.ID, m)
	s.logger.Debug("order cancelled", zap.Stringer("order", cur.ID), zap.Uint64("seq", seq))
	return nil
}

func (s *OrderService) settle(seq uint64, err error) {
	if derr := s.journal.Done(seq, err != nil); derr != nil {
		s.logger.Error("journal settle failed", zap.Uint64("seq", seq), zap.Error(derr))
	}
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

// Get returns the latest committed state of an order.
func (s *OrderService) Get(ctx context.Context, id uuid.UUID) (orderbook.Order, error) {
	if v, ok := s.index.Load(id); ok {
		m := v.(*market)
		m.mu.RLock()
		o, ok := m.book.Order(id)
		m.mu.RUnlock()
		if ok {
			return o, nil
		}
	}
	return s.stored(ctx, id)
}

// Instrument returns the instrument for symbol if any order was ever placed on it.
func (s *OrderService) Instrument(symbol string) (orderbook.Instrument, bool) {
	v, ok := s.markets.Load(symbol)
	if !ok {
		return orderbook.Instrument{}, false
	}
	m := v.(*market)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instrument, m.instrument.LastSeq > 0
}

// Trades lists the committed trades of an instrument, oldest first.
func (s *OrderService) Trades(ctx context.Context, symbol string) ([]orderbook.Trade, error) {
	inst, ok := s.Instrument(symbol)
	if !ok {
		return nil, nil
	}
	return s.store.Trades(ctx, inst.ID)
}

// Resting returns one side of an instrument's book in priority order.
func (s *OrderService) Resting(symbol string, dir orderbook.Direction) []orderbook.Order {
	v, ok := s.markets.Load(symbol)
	if !ok {
		return nil
	}
	m := v.(*market)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.book.Resting(dir)
}

func (s *OrderService) stored(ctx context.Context, id uuid.UUID) (orderbook.Order, error) {
	o, err := s.store.Order(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return orderbook.Order{}, &NotFoundError{Kind: "order", ID: id}
	}
	return o, err
}

func (s *OrderService) marketOf(ctx context.Context, id uuid.UUID) (*market, error) {
	if v, ok := s.index.Load(id); ok {
		return v.(*market), nil
	}
	o, err := s.stored(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.market(o.Symbol), nil
}

// current reads the order under the market lock, falling back to the store
// for orders that left memory.
func (s *OrderService) current(ctx context.Context, m *market, id uuid.UUID) (orderbook.Order, error) {
	if o, ok := m.book.Order(id); ok {
		return o, nil
	}
	return s.stored(ctx, id)
}
