package service

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"

	"venue/domain/orderbook"
	"venue/infra/metrics"
	"venue/infra/sequence"
	"venue/infra/store"
	"venue/infra/store/pebblestore"
	entrywal "venue/infra/wal/entry"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore fails commits while fail is set.
type flakyStore struct {
	store.Store
	fail atomic.Bool
}

func (f *flakyStore) Commit(ctx context.Context, u *store.Unit) error {
	if f.fail.Load() {
		return errStoreDown
	}
	return f.Store.Commit(ctx, u)
}

var errJournalDown = errors.New("journal unavailable")

// flakyJournal accepts places place records, then fails further ones.
type flakyJournal struct {
	*entrywal.WAL
	places int
}

func (j *flakyJournal) Append(t entrywal.RecordType, data []byte) (uint64, error) {
	if t == entrywal.RecordPlace {
		if j.places == 0 {
			return 0, errJournalDown
		}
		j.places--
	}
	return j.WAL.Append(t, data)
}

type env struct {
	dir        string
	store      *flakyStore
	journal    *entrywal.WAL
	orders     *OrderService
	composites *CompositeService
}

// useJournal routes both services through j.
func (e *env) useJournal(j Journal) {
	e.orders.journal = j
	e.composites.journal = j
}

func (e *env) journalDir() string { return filepath.Join(e.dir, "journal") }

// open builds the service stack over dir, running recovery like the server does.
func open(t *testing.T, dir string) *env {
	t.Helper()
	ctx := context.Background()

	ps, err := pebblestore.Open(filepath.Join(dir, "state"))
	assert.NilError(t, err)
	fs := &flakyStore{Store: ps}

	e := &env{dir: dir, store: fs}
	e.journal, err = entrywal.Open(entrywal.Config{Dir: e.journalDir()}, sequence.New(0))
	assert.NilError(t, err)

	e.orders = NewOrderService(fs, e.journal, zap.NewNop(), metrics.Discard())
	e.composites = NewCompositeService(e.orders, fs, e.journal, zap.NewNop())
	_, err = Recover(ctx, e.journalDir(), e.orders, e.composites)
	assert.NilError(t, err)
	return e
}

func (e *env) close(t *testing.T) {
	t.Helper()
	assert.NilError(t, e.journal.Close())
	assert.NilError(t, e.store.Close())
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := open(t, t.TempDir())
	t.Cleanup(func() {
		_ = e.journal.Close()
		_ = e.store.Close()
	})
	return e
}

func px(v int64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromInt(v))
}

func limitReq(symbol string, dir orderbook.Direction, qty, price int64) OrderRequest {
	return OrderRequest{TraderID: "trader-1", Symbol: symbol, Direction: dir, Type: orderbook.Limit, Quantity: qty, Price: px(price)}
}

func marketReq(symbol string, dir orderbook.Direction, qty int64) OrderRequest {
	return OrderRequest{TraderID: "trader-2", Symbol: symbol, Direction: dir, Type: orderbook.Market, Quantity: qty}
}

func admit(t *testing.T, s *OrderService, req OrderRequest) orderbook.Order {
	t.Helper()
	o, err := s.Admit(context.Background(), req)
	assert.NilError(t, err)
	return o
}

func get(t *testing.T, s *OrderService, o orderbook.Order) orderbook.Order {
	t.Helper()
	got, err := s.Get(context.Background(), o.ID)
	assert.NilError(t, err)
	return got
}

func trades(t *testing.T, s *OrderService, symbol string) []orderbook.Trade {
	t.Helper()
	tr, err := s.Trades(context.Background(), symbol)
	assert.NilError(t, err)
	return tr
}
