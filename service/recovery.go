package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"venue/domain/orderbook"
	"venue/infra/store"
	entrywal "venue/infra/wal/entry"
)

// RecoveryReport summarizes a Recover run.
type RecoveryReport struct {
	Instruments int
	Resting     int
	Replayed    int
	Skipped     int
	Aborted     int
	LastSeq     uint64
}

/*
Recover rebuilds in-memory state and finishes commands that were journaled
but never committed.

IMPORTANT:
- This MUST run before accepting traffic
- Books are loaded from the store; the journal only fills the gap
- Legs of a replayed composite that never reached the journal are admitted fresh,
  unless the composite record was aborted
*/
func Recover(ctx context.Context, journalDir string, orders *OrderService, composites *CompositeService) (RecoveryReport, error) {
	var rep RecoveryReport

	insts, err := orders.store.Instruments(ctx)
	if err != nil {
		return rep, errors.WithMessage(err, "load instruments")
	}
	for _, inst := range insts {
		m := &market{instrument: inst, book: orderbook.NewBook()}
		for _, dir := range []orderbook.Direction{orderbook.Buy, orderbook.Sell} {
			resting, err := orders.store.RestingOrders(ctx, inst.ID, dir)
			if err != nil {
				return rep, errors.WithMessage(err, "load resting "+inst.Symbol)
			}
			for _, o := range resting {
				m.book.Add(o)
				orders.index.Store(o.ID, m)
			}
			rep.Resting += len(resting)
		}
		orders.markets.Store(inst.Symbol, m)
		rep.Instruments++
	}

	var (
		records []*entrywal.Record
		aborted = make(map[uint64]struct{})
	)
	lastSeq, err := entrywal.Replay(journalDir, func(rec *entrywal.Record) error {
		if seq, ok := rec.Voided(); ok {
			aborted[seq] = struct{}{}
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return rep, errors.WithMessage(err, "read journal")
	}
	storeSeq, err := orders.store.LastSeq(ctx)
	if err != nil {
		return rep, errors.WithMessage(err, "load last seq")
	}
	rep.LastSeq = max(lastSeq, storeSeq)
	orders.journal.Observe(rep.LastSeq)

	var (
		pendingLegs []placeCommand
		// composites with an aborted leg are left as they are
		abortedComposites = make(map[uuid.UUID]struct{})
	)
	for _, rec := range records {
		if _, ok := aborted[rec.Seq]; ok {
			rep.Aborted++
			var cmd placeCommand
			if rec.Type == entrywal.RecordPlace && decodeCommand(rec.Data, &cmd) == nil && cmd.CompositeID.Valid {
				abortedComposites[cmd.CompositeID.UUID] = struct{}{}
			}
			continue
		}
		replayed, legs, err := replayRecord(ctx, orders, rec)
		if err != nil {
			return rep, errors.WithMessagef(err, "replay seq %d", rec.Seq)
		}
		pendingLegs = append(pendingLegs, legs...)
		if replayed {
			rep.Replayed++
		} else {
			rep.Skipped++
		}
	}

	for _, leg := range pendingLegs {
		if _, ok := abortedComposites[leg.CompositeID.UUID]; ok {
			continue
		}
		_, err := orders.Get(ctx, leg.OrderID)
		if err == nil {
			continue
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			return rep, err
		}
		if err := composites.admitLegs(ctx, []placeCommand{leg}); err != nil {
			return rep, errors.WithMessage(err, "finish composite "+leg.CompositeID.UUID.String())
		}
		rep.Replayed++
	}

	orders.logger.Info("recovery completed",
		zap.Int("instruments", rep.Instruments),
		zap.Int("resting", rep.Resting),
		zap.Int("replayed", rep.Replayed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("aborted", rep.Aborted),
		zap.Uint64("last_seq", rep.LastSeq))
	return rep, nil
}

// replayRecord re-executes one journaled command unless the store already
// holds its effect. It returns composite legs that still need admission.
func replayRecord(ctx context.Context, s *OrderService, rec *entrywal.Record) (bool, []placeCommand, error) {
	switch rec.Type {
	case entrywal.RecordPlace:
		var cmd placeCommand
		if err := decodeCommand(rec.Data, &cmd); err != nil {
			return false, nil, err
		}
		if _, err := s.store.Order(ctx, cmd.OrderID); err == nil {
			return false, nil, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, nil, err
		}

		m := s.market(cmd.Symbol)
		m.mu.Lock()
		defer m.mu.Unlock()
		if rec.Seq <= m.instrument.LastSeq {
			return false, nil, nil
		}
		_, err := s.place(ctx, m, cmd, rec.Seq)
		if errors.Is(err, orderbook.ErrInvariant) {
			s.settle(rec.Seq, err)
			return false, nil, nil
		}
		return err == nil, nil, err

	case entrywal.RecordCancel:
		var cmd cancelCommand
		if err := decodeCommand(rec.Data, &cmd); err != nil {
			return false, nil, err
		}
		m := s.market(cmd.Symbol)
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, err := s.current(ctx, m, cmd.OrderID)
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return false, nil, nil
		}
		if err != nil {
			return false, nil, err
		}
		if cur.Status != orderbook.Open || rec.Seq <= m.instrument.LastSeq {
			return false, nil, nil
		}
		return true, nil, s.cancel(ctx, m, cur, rec.Seq)

	case entrywal.RecordComposite:
		var cmd compositeCommand
		if err := decodeCommand(rec.Data, &cmd); err != nil {
			return false, nil, err
		}
		_, err := s.store.Composite(ctx, cmd.Composite.ID)
		if err == nil {
			return false, cmd.Legs, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, nil, err
		}
		cmd.Composite.Seq = rec.Seq
		if err := s.store.Commit(ctx, &store.Unit{Seq: rec.Seq, Composite: &cmd.Composite}); err != nil {
			return false, nil, err
		}
		return true, cmd.Legs, nil
	}
	return false, nil, nil
}
