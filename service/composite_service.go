package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"venue/domain/composite"
	"venue/domain/orderbook"
	"venue/infra/store"
	entrywal "venue/infra/wal/entry"
)

// CompositeService creates multi-leg orders and reports their derived status.
type CompositeService struct {
	orders  *OrderService
	store   store.Store
	journal Journal
	logger  *zap.Logger
}

func NewCompositeService(orders *OrderService, st store.Store, journal Journal, logger *zap.Logger) *CompositeService {
	return &CompositeService{orders: orders, store: st, journal: journal, logger: logger}
}

// Create validates every leg, commits the composite and then admits the legs
// in the given order. Nothing is created when any leg is invalid. A leg that
// fails to admit is reported, the legs before it stay admitted and the legs
// after it are never admitted, not even by recovery.
func (c *CompositeService) Create(ctx context.Context, traderID string, legs []LegRequest) (uuid.UUID, error) {
	if len(legs) == 0 {
		return uuid.Nil, &ValidationError{Field: "legs", Reason: "at least one leg is required"}
	}
	now := c.orders.now()
	cmd := compositeCommand{
		Composite: composite.Composite{ID: c.orders.newID(), TraderID: traderID, CreatedAt: now},
	}
	for i, leg := range legs {
		req := leg.order(traderID)
		if err := Validate(req); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return uuid.Nil, &ValidationError{Field: fmt.Sprintf("legs[%d].%s", i, verr.Field), Reason: verr.Reason}
			}
			return uuid.Nil, err
		}
		pc := newPlaceCommand(c.orders.newID(), req, now)
		pc.CompositeID = uuid.NullUUID{UUID: cmd.Composite.ID, Valid: true}
		cmd.Legs = append(cmd.Legs, pc)
		cmd.Composite.Legs = append(cmd.Composite.Legs, pc.OrderID)
	}

	data, err := encodeCommand(cmd)
	if err != nil {
		return uuid.Nil, errors.WithMessage(err, "encode composite")
	}
	seq, err := c.journal.Append(entrywal.RecordComposite, data)
	if err != nil {
		return uuid.Nil, errors.WithMessage(err, "journal composite")
	}
	cmd.Composite.Seq = seq
	if err := c.store.Commit(ctx, &store.Unit{Seq: seq, Composite: &cmd.Composite}); err != nil {
		c.orders.settle(seq, err)
		return uuid.Nil, errors.WithMessage(err, "commit composite")
	}
	// The composite record stays pending until every leg is journaled, so a
	// checkpoint cannot drop it while recovery may still need it. A leg that
	// fails aborts the record: recovery then never admits the remaining legs.
	if err := c.admitLegs(ctx, cmd.Legs); err != nil {
		c.orders.settle(seq, err)
		c.logger.Warn("composite leg rejected, remaining legs dropped",
			zap.Stringer("composite", cmd.Composite.ID), zap.Error(err))
		return cmd.Composite.ID, err
	}
	c.orders.settle(seq, nil)
	c.logger.Debug("composite created", zap.Stringer("composite", cmd.Composite.ID), zap.Int("legs", len(legs)))
	return cmd.Composite.ID, nil
}

func (c *CompositeService) admitLegs(ctx context.Context, legs []placeCommand) error {
	for i, leg := range legs {
		leg.CreatedAt = c.orders.now()
		if _, err := c.orders.admit(ctx, leg); err != nil {
			return errors.WithMessagef(err, "leg %d", i)
		}
	}
	return nil
}

// Get returns the composite and the current state of each leg. A leg that
// was never admitted is omitted.
func (c *CompositeService) Get(ctx context.Context, id uuid.UUID) (composite.Composite, []orderbook.Order, error) {
	comp, err := c.store.Composite(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return composite.Composite{}, nil, &InvalidCompositeError{ID: id}
	}
	if err != nil {
		return composite.Composite{}, nil, err
	}

	legs := make([]orderbook.Order, 0, len(comp.Legs))
	for _, legID := range comp.Legs {
		o, err := c.orders.Get(ctx, legID)
		var nf *NotFoundError
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			return composite.Composite{}, nil, err
		}
		legs = append(legs, o)
	}
	return comp, legs, nil
}

// Status derives the composite status from its legs on every call.
func (c *CompositeService) Status(ctx context.Context, id uuid.UUID) (composite.Status, error) {
	comp, legs, err := c.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	statuses := make([]orderbook.Status, len(comp.Legs))
	for i := range statuses {
		statuses[i] = orderbook.Open
	}
	pos := make(map[uuid.UUID]int, len(comp.Legs))
	for i, legID := range comp.Legs {
		pos[legID] = i
	}
	for _, o := range legs {
		statuses[pos[o.ID]] = o.Status
	}
	return composite.Derive(statuses), nil
}
