// Package pebblestore keeps venue state in a local pebble database. A unit of work
// is one synced batch, so a crash leaves either all of it or none of it.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"venue/domain/composite"
	"venue/domain/orderbook"
	"venue/infra/store"
)

const (
	prefixInstrument = "instrument/"
	prefixOrder      = "order/"
	prefixResting    = "resting/"
	prefixTrade      = "trade/"
	prefixComposite  = "composite/"
	prefixOutbox     = "outbox/"
	keyLastSeq       = "meta/lastseq"
)

type Store struct {
	db *pebble.DB
	// mu orders commits so meta/lastseq only moves forward.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.WithMessage(err, "pebble open "+dir)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// -------------------- Keys --------------------

func instrumentKey(symbol string) []byte {
	return []byte(prefixInstrument + symbol)
}

func orderKey(id uuid.UUID) []byte {
	return []byte(prefixOrder + id.String())
}

func restingPrefix(instrumentID uuid.UUID, dir orderbook.Direction) string {
	return fmt.Sprintf("%s%s/%d/", prefixResting, instrumentID, dir)
}

func restingKey(o orderbook.Order) []byte {
	return []byte(restingPrefix(o.InstrumentID, o.Direction) + o.ID.String())
}

func tradePrefix(instrumentID uuid.UUID) string {
	return prefixTrade + instrumentID.String() + "/"
}

func tradeKey(t orderbook.Trade, idx int) []byte {
	return []byte(fmt.Sprintf("%s%020d-%03d", tradePrefix(t.InstrumentID), t.Seq, idx))
}

func compositeKey(id uuid.UUID) []byte {
	return []byte(prefixComposite + id.String())
}

func outboxKey(id store.EventID) []byte {
	return []byte(prefixOutbox + id.String())
}

func parseOutboxKey(b []byte) (store.EventID, error) {
	var id store.EventID
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(prefixOutbox))), "%020d-%04d", &id.Seq, &id.Index)
	return id, err
}

// upperBound is the first key after every key sharing prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	b[len(b)-1]++
	return b
}

// -------------------- Records --------------------

type outboxRecord struct {
	Kind        string            `json:"kind"`
	Key         []byte            `json:"key"`
	Payload     []byte            `json:"payload"`
	State       store.OutboxState `json:"state"`
	Retries     uint32            `json:"retries"`
	LastAttempt int64             `json:"lastAttempt"`
}

func (s *Store) get(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return jsoniter.Unmarshal(val, v)
}

func set(b *pebble.Batch, key []byte, v any) error {
	data, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// -------------------- Unit of work --------------------

func (s *Store) Commit(_ context.Context, u *store.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	if u.Instrument != nil {
		if err := set(b, instrumentKey(u.Instrument.Symbol), u.Instrument); err != nil {
			return errors.WithMessage(err, "instrument")
		}
	}
	for _, o := range u.Orders {
		if err := set(b, orderKey(o.ID), o); err != nil {
			return errors.WithMessage(err, "order")
		}
		if o.Status.Active() {
			if err := b.Set(restingKey(o), nil, nil); err != nil {
				return err
			}
		} else if err := b.Delete(restingKey(o), nil); err != nil {
			return err
		}
	}
	for i, t := range u.Trades {
		if err := set(b, tradeKey(t, i), t); err != nil {
			return errors.WithMessage(err, "trade")
		}
	}
	if u.Composite != nil {
		if err := set(b, compositeKey(u.Composite.ID), u.Composite); err != nil {
			return errors.WithMessage(err, "composite")
		}
	}
	for _, e := range u.Events {
		rec := outboxRecord{Kind: e.Kind, Key: e.Key, Payload: e.Payload, State: store.StateNew}
		if err := set(b, outboxKey(e.ID), rec); err != nil {
			return errors.WithMessage(err, "outbox")
		}
	}

	last, err := s.LastSeq(context.Background())
	if err != nil {
		return err
	}
	if u.Seq > last {
		seq := make([]byte, 8)
		binary.BigEndian.PutUint64(seq, u.Seq)
		if err := b.Set([]byte(keyLastSeq), seq, nil); err != nil {
			return err
		}
	}

	return errors.WithMessage(b.Commit(pebble.Sync), "pebble commit")
}

// -------------------- Queries --------------------

func (s *Store) Instruments(_ context.Context) ([]orderbook.Instrument, error) {
	var out []orderbook.Instrument
	err := s.scan(prefixInstrument, func(_, val []byte) error {
		var in orderbook.Instrument
		if err := jsoniter.Unmarshal(val, &in); err != nil {
			return err
		}
		out = append(out, in)
		return nil
	})
	return out, err
}

func (s *Store) Order(_ context.Context, id uuid.UUID) (orderbook.Order, error) {
	var o orderbook.Order
	if err := s.get(orderKey(id), &o); err != nil {
		return orderbook.Order{}, errors.WithMessage(err, "order "+id.String())
	}
	return o, nil
}

func (s *Store) RestingOrders(ctx context.Context, instrumentID uuid.UUID, dir orderbook.Direction) ([]orderbook.Order, error) {
	prefix := restingPrefix(instrumentID, dir)
	var out []orderbook.Order
	err := s.scan(prefix, func(key, _ []byte) error {
		id, err := uuid.ParseBytes(bytes.TrimPrefix(key, []byte(prefix)))
		if err != nil {
			return err
		}
		o, err := s.Order(ctx, id)
		if err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortResting(dir, out)
	return out, nil
}

func (s *Store) Trades(_ context.Context, instrumentID uuid.UUID) ([]orderbook.Trade, error) {
	var out []orderbook.Trade
	err := s.scan(tradePrefix(instrumentID), func(_, val []byte) error {
		var t orderbook.Trade
		if err := jsoniter.Unmarshal(val, &t); err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (s *Store) Composite(_ context.Context, id uuid.UUID) (composite.Composite, error) {
	var c composite.Composite
	if err := s.get(compositeKey(id), &c); err != nil {
		return composite.Composite{}, errors.WithMessage(err, "composite "+id.String())
	}
	return c, nil
}

func (s *Store) LastSeq(_ context.Context) (uint64, error) {
	val, closer, err := s.db.Get([]byte(keyLastSeq))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, errors.New("invalid last seq record")
	}
	return binary.BigEndian.Uint64(val), nil
}

// -------------------- Outbox --------------------

func (s *Store) Outbox(_ context.Context, limit int) ([]store.OutboxEntry, error) {
	var out []store.OutboxEntry
	errStop := errors.New("stop")
	err := s.scan(prefixOutbox, func(key, val []byte) error {
		if len(out) >= limit {
			return errStop
		}
		var rec outboxRecord
		if err := jsoniter.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.State == store.StateAcked {
			return nil
		}
		id, err := parseOutboxKey(key)
		if err != nil {
			return err
		}
		e := store.OutboxEntry{
			Event:   store.Event{ID: id, Kind: rec.Kind, Key: rec.Key, Payload: rec.Payload},
			State:   rec.State,
			Retries: rec.Retries,
		}
		if rec.LastAttempt != 0 {
			e.LastAttempt = time.Unix(0, rec.LastAttempt)
		}
		out = append(out, e)
		return nil
	})
	if err == errStop {
		err = nil
	}
	return out, err
}

// SetOutboxState updates state after send / ack / failure.
func (s *Store) SetOutboxState(_ context.Context, id store.EventID, state store.OutboxState) error {
	key := outboxKey(id)
	var rec outboxRecord
	if err := s.get(key, &rec); err != nil {
		return errors.WithMessage(err, "outbox "+id.String())
	}
	if state == store.StateFailed {
		rec.Retries++
	}
	rec.State = state
	rec.LastAttempt = time.Now().UnixNano()

	data, err := jsoniter.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *Store) PurgeAcked(_ context.Context, seq uint64) (int, error) {
	b := s.db.NewBatch()
	defer b.Close()

	n := 0
	err := s.scan(prefixOutbox, func(key, val []byte) error {
		id, err := parseOutboxKey(key)
		if err != nil {
			return err
		}
		if id.Seq > seq {
			return nil
		}
		var rec outboxRecord
		if err := jsoniter.Unmarshal(val, &rec); err != nil {
			return err
		}
		if rec.State != store.StateAcked {
			return nil
		}
		n++
		return b.Delete(append([]byte(nil), key...), nil)
	})
	if err != nil || n == 0 {
		return 0, err
	}
	return n, b.Commit(pebble.Sync)
}

// -------------------- Scan --------------------

func (s *Store) scan(prefix string, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}
