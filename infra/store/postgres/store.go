// Package postgres keeps venue state in PostgreSQL. A unit of work is one
// transaction.
package postgres

import (
	"context"
	_ "embed"
	"time"

	"github.com/google/uuid"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"venue/domain/composite"
	"venue/domain/orderbook"
	"venue/infra/store"
)

//go:embed schema.sql
var schema string

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db   db
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects, verifies connectivity and applies the schema.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, errors.WithMessage(err, "parse config")
	}
	// Register shopspring decimal
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WithMessage(err, "ping")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.WithMessage(err, "apply schema")
	}
	return &Store{db: pool, pool: pool}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

const (
	upsertInstrument = `
INSERT INTO instruments (id, symbol, last_price, last_seq) VALUES ($1, $2, $3, $4)
ON CONFLICT (symbol) DO UPDATE SET last_price = EXCLUDED.last_price, last_seq = EXCLUDED.last_seq`

	upsertOrder = `
INSERT INTO orders (id, trader_id, instrument_id, symbol, direction, type, price, quantity, remaining, status, seq, created_at, composite_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET remaining = EXCLUDED.remaining, status = EXCLUDED.status`

	insertTrade = `
INSERT INTO trades (id, buy_order_id, sell_order_id, instrument_id, symbol, price, quantity, seq, idx, executed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	insertComposite = `
INSERT INTO composites (id, trader_id, legs, seq, created_at) VALUES ($1, $2, $3, $4, $5)`

	insertOutbox = `
INSERT INTO outbox (seq, idx, kind, key, payload) VALUES ($1, $2, $3, $4, $5)`

	advanceLastSeq = `UPDATE meta SET last_seq = GREATEST(last_seq, $1)`

	orderColumns = `id, trader_id, instrument_id, symbol, direction, type, price, quantity, remaining, status, seq, created_at, composite_id`

	restingBuys = `SELECT ` + orderColumns + ` FROM orders
WHERE instrument_id = $1 AND direction = 'BUY' AND status IN ('OPEN', 'PARTIALLY_FILLED')
ORDER BY price DESC NULLS FIRST, seq ASC`

	restingSells = `SELECT ` + orderColumns + ` FROM orders
WHERE instrument_id = $1 AND direction = 'SELL' AND status IN ('OPEN', 'PARTIALLY_FILLED')
ORDER BY price ASC NULLS FIRST, seq ASC`
)

// restingQuery picks the sorted-range query for one side of the book.
func restingQuery(dir orderbook.Direction) string {
	if dir == orderbook.Buy {
		return restingBuys
	}
	return restingSells
}

func (s *Store) Commit(ctx context.Context, u *store.Unit) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if in := u.Instrument; in != nil {
			if _, err := tx.Exec(ctx, upsertInstrument, in.ID, in.Symbol, in.LastPrice, int64(in.LastSeq)); err != nil {
				return errors.WithMessage(err, "instrument")
			}
		}
		for _, o := range u.Orders {
			if _, err := tx.Exec(ctx, upsertOrder,
				o.ID, o.TraderID, o.InstrumentID, o.Symbol, o.Direction.String(), o.Type.String(),
				o.Price, o.Quantity, o.Remaining, o.Status.String(), int64(o.Seq), o.CreatedAt, o.CompositeID,
			); err != nil {
				return errors.WithMessage(err, "order "+o.ID.String())
			}
		}
		for i, t := range u.Trades {
			if _, err := tx.Exec(ctx, insertTrade,
				t.ID, t.BuyOrderID, t.SellOrderID, t.InstrumentID, t.Symbol, t.Price, t.Quantity, int64(t.Seq), i, t.Timestamp,
			); err != nil {
				return errors.WithMessage(err, "trade")
			}
		}
		if c := u.Composite; c != nil {
			legs := make([]string, len(c.Legs))
			for i, id := range c.Legs {
				legs[i] = id.String()
			}
			if _, err := tx.Exec(ctx, insertComposite, c.ID, c.TraderID, legs, int64(c.Seq), c.CreatedAt); err != nil {
				return errors.WithMessage(err, "composite")
			}
		}
		for _, e := range u.Events {
			if _, err := tx.Exec(ctx, insertOutbox, int64(e.ID.Seq), e.ID.Index, e.Kind, e.Key, e.Payload); err != nil {
				return errors.WithMessage(err, "outbox")
			}
		}
		_, err := tx.Exec(ctx, advanceLastSeq, int64(u.Seq))
		return err
	})
}

func (s *Store) Instruments(ctx context.Context) ([]orderbook.Instrument, error) {
	rows, err := s.db.Query(ctx, `SELECT id, symbol, last_price, last_seq FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (orderbook.Instrument, error) {
		var (
			in      orderbook.Instrument
			lastSeq int64
		)
		err := row.Scan(&in.ID, &in.Symbol, &in.LastPrice, &lastSeq)
		in.LastSeq = uint64(lastSeq)
		return in, err
	})
}

func scanOrder(row pgx.Row) (orderbook.Order, error) {
	var (
		o                       orderbook.Order
		direction, typ, status string
		seq                     int64
		price                   decimal.NullDecimal
	)
	err := row.Scan(&o.ID, &o.TraderID, &o.InstrumentID, &o.Symbol, &direction, &typ, &price,
		&o.Quantity, &o.Remaining, &status, &seq, &o.CreatedAt, &o.CompositeID)
	if err != nil {
		return orderbook.Order{}, err
	}
	o.Price = price
	o.Seq = uint64(seq)
	if o.Direction, err = orderbook.ParseDirection(direction); err != nil {
		return orderbook.Order{}, err
	}
	if o.Type, err = orderbook.ParseType(typ); err != nil {
		return orderbook.Order{}, err
	}
	if o.Status, err = orderbook.ParseStatus(status); err != nil {
		return orderbook.Order{}, err
	}
	return o, nil
}

func (s *Store) Order(ctx context.Context, id uuid.UUID) (orderbook.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orderbook.Order{}, errors.WithMessage(store.ErrNotFound, "order "+id.String())
	}
	return o, err
}

func (s *Store) RestingOrders(ctx context.Context, instrumentID uuid.UUID, dir orderbook.Direction) ([]orderbook.Order, error) {
	rows, err := s.db.Query(ctx, restingQuery(dir), instrumentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (orderbook.Order, error) {
		return scanOrder(row)
	})
}

func (s *Store) Trades(ctx context.Context, instrumentID uuid.UUID) ([]orderbook.Trade, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, buy_order_id, sell_order_id, instrument_id, symbol, price, quantity, seq, executed_at
FROM trades WHERE instrument_id = $1 ORDER BY seq, idx`, instrumentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (orderbook.Trade, error) {
		var (
			t   orderbook.Trade
			seq int64
		)
		err := row.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.InstrumentID, &t.Symbol, &t.Price, &t.Quantity, &seq, &t.Timestamp)
		t.Seq = uint64(seq)
		return t, err
	})
}

func (s *Store) Composite(ctx context.Context, id uuid.UUID) (composite.Composite, error) {
	var (
		c    composite.Composite
		legs []string
		seq  int64
	)
	err := s.db.QueryRow(ctx, `SELECT id, trader_id, legs, seq, created_at FROM composites WHERE id = $1`, id).
		Scan(&c.ID, &c.TraderID, &legs, &seq, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return composite.Composite{}, errors.WithMessage(store.ErrNotFound, "composite "+id.String())
	}
	if err != nil {
		return composite.Composite{}, err
	}
	c.Seq = uint64(seq)
	c.Legs = make([]uuid.UUID, len(legs))
	for i, l := range legs {
		if c.Legs[i], err = uuid.Parse(l); err != nil {
			return composite.Composite{}, err
		}
	}
	return c, nil
}

func (s *Store) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.db.QueryRow(ctx, `SELECT last_seq FROM meta`).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *Store) Outbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT seq, idx, kind, key, payload, state, retries, last_attempt
FROM outbox WHERE state <> $1 ORDER BY seq, idx LIMIT $2`, int16(store.StateAcked), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.OutboxEntry, error) {
		var (
			e       store.OutboxEntry
			seq     int64
			state   int16
			retries int32
			last    *time.Time
		)
		err := row.Scan(&seq, &e.ID.Index, &e.Kind, &e.Key, &e.Payload, &state, &retries, &last)
		e.ID.Seq = uint64(seq)
		e.State = store.OutboxState(state)
		e.Retries = uint32(retries)
		if last != nil {
			e.LastAttempt = *last
		}
		return e, err
	})
}

func (s *Store) SetOutboxState(ctx context.Context, id store.EventID, state store.OutboxState) error {
	tag, err := s.db.Exec(ctx, `
UPDATE outbox SET state = $3, last_attempt = now(),
    retries = retries + CASE WHEN $3 = $4 THEN 1 ELSE 0 END
WHERE seq = $1 AND idx = $2`, int64(id.Seq), id.Index, int16(state), int16(store.StateFailed))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.WithMessage(store.ErrNotFound, "outbox "+id.String())
	}
	return nil
}

func (s *Store) PurgeAcked(ctx context.Context, seq uint64) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM outbox WHERE state = $1 AND seq <= $2`, int16(store.StateAcked), int64(seq))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
