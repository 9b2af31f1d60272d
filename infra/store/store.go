// Package store defines the durable side of the venue: one atomic unit of
// work per matching pass, the lookups recovery needs and the event outbox.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"venue/domain/composite"
	"venue/domain/orderbook"
)

var ErrNotFound = errors.New("store: not found")

// Unit is everything one command changes. It commits in full or not at all.
type Unit struct {
	Seq        uint64
	Instrument *orderbook.Instrument
	Orders     []orderbook.Order
	Trades     []orderbook.Trade
	Composite  *composite.Composite
	Events     []Event
}

type EventID struct {
	Seq   uint64
	Index int
}

func (id EventID) String() string {
	return fmt.Sprintf("%020d-%04d", id.Seq, id.Index)
}

// Event is an outbox message, keyed for partitioning by Key.
type Event struct {
	ID      EventID
	Kind    string
	Key     []byte
	Payload []byte
}

type OutboxState uint8

const (
	StateNew OutboxState = iota
	StateSent
	StateAcked
	StateFailed
)

func (s OutboxState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type OutboxEntry struct {
	Event
	State       OutboxState
	Retries     uint32
	LastAttempt time.Time
}

type Store interface {
	// Commit applies u atomically.
	Commit(ctx context.Context, u *Unit) error

	Instruments(ctx context.Context) ([]orderbook.Instrument, error)
	Order(ctx context.Context, id uuid.UUID) (orderbook.Order, error)
	// RestingOrders returns the OPEN and PARTIALLY_FILLED orders of one side
	// in priority order: sells price ascending, buys price descending, then
	// sequence ascending. Unpriced orders come first.
	RestingOrders(ctx context.Context, instrumentID uuid.UUID, dir orderbook.Direction) ([]orderbook.Order, error)
	Trades(ctx context.Context, instrumentID uuid.UUID) ([]orderbook.Trade, error)
	Composite(ctx context.Context, id uuid.UUID) (composite.Composite, error)
	// LastSeq is the highest command sequence ever committed.
	LastSeq(ctx context.Context) (uint64, error)

	// Outbox returns up to limit entries that are not yet acknowledged, oldest first.
	Outbox(ctx context.Context, limit int) ([]OutboxEntry, error)
	SetOutboxState(ctx context.Context, id EventID, state OutboxState) error
	// PurgeAcked drops acknowledged entries with a sequence at or below seq.
	PurgeAcked(ctx context.Context, seq uint64) (int, error)

	Close() error
}
