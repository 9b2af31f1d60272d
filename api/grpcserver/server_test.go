package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"gotest.tools/v3/assert"

	"venue/domain/orderbook"
	"venue/infra/metrics"
	"venue/infra/sequence"
	"venue/infra/store/pebblestore"
	entrywal "venue/infra/wal/entry"
	"venue/service"
)

func startServer(t *testing.T) (*Client, *grpc.ClientConn) {
	t.Helper()
	dir := t.TempDir()

	st, err := pebblestore.Open(filepath.Join(dir, "state"))
	assert.NilError(t, err)
	journal, err := entrywal.Open(entrywal.Config{Dir: filepath.Join(dir, "journal")}, sequence.New(0))
	assert.NilError(t, err)

	orders := service.NewOrderService(st, journal, zap.NewNop(), metrics.Discard())
	composites := service.NewCompositeService(orders, st, journal, zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogger(zap.NewNop())))
	Register(srv, NewServer(orders, composites, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	assert.NilError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = journal.Close()
		_ = st.Close()
	})
	return NewClient(conn), conn
}

func msg(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	assert.NilError(t, err)
	return s
}

func field(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func assertCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	assert.Assert(t, err != nil)
	assert.Equal(t, status.Code(err), want, err.Error())
}

func TestPlaceAndGetOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := startServer(t)

	buy, err := c.PlaceOrder(ctx, msg(t, map[string]any{
		"traderId": "trader-1", "symbol": "AAPL", "direction": "BUY", "type": "LIMIT", "quantity": 100, "price": "150.25",
	}))
	assert.NilError(t, err)
	assert.Equal(t, field(buy, "status"), "OPEN")
	_, null := buy.GetFields()["lastPrice"].GetKind().(*structpb.Value_NullValue)
	assert.Assert(t, null)

	sell, err := c.PlaceOrder(ctx, msg(t, map[string]any{
		"traderId": "trader-2", "symbol": "AAPL", "direction": "SELL", "type": "MARKET", "quantity": 40,
	}))
	assert.NilError(t, err)
	assert.Equal(t, field(sell, "status"), "FILLED")
	assert.Equal(t, field(sell, "lastPrice"), "150.25")

	got, err := c.GetOrder(ctx, msg(t, map[string]any{"id": field(buy, "id")}))
	assert.NilError(t, err)
	assert.Equal(t, field(got, "status"), "PARTIALLY_FILLED")
	assert.Equal(t, got.GetFields()["remaining"].GetNumberValue(), float64(60))
	assert.Equal(t, field(got, "price"), "150.25")
	assert.Equal(t, field(got, "traderId"), "trader-1")
	assert.Equal(t, field(got, "lastPrice"), "150.25")
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := startServer(t)

	o, err := c.PlaceOrder(ctx, msg(t, map[string]any{
		"traderId": "trader-1", "symbol": "AAPL", "direction": "SELL", "type": "LIMIT", "quantity": 10, "price": 99,
	}))
	assert.NilError(t, err)

	cancelled, err := c.CancelOrder(ctx, msg(t, map[string]any{"id": field(o, "id")}))
	assert.NilError(t, err)
	assert.Equal(t, field(cancelled, "status"), "CANCELLED")

	_, err = c.CancelOrder(ctx, msg(t, map[string]any{"id": field(o, "id")}))
	assertCode(t, err, codes.FailedPrecondition)

	_, err = c.CancelOrder(ctx, msg(t, map[string]any{"id": uuid.NewString()}))
	assertCode(t, err, codes.NotFound)
}

func TestRejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	c, _ := startServer(t)

	tests := []struct {
		name   string
		fields map[string]any
		field  string
	}{
		{"limit without price", map[string]any{"traderId": "t", "symbol": "AAPL", "direction": "BUY", "type": "LIMIT", "quantity": 1}, "price"},
		{"market with price", map[string]any{"traderId": "t", "symbol": "AAPL", "direction": "BUY", "type": "MARKET", "quantity": 1, "price": "1"}, "price"},
		{"zero quantity", map[string]any{"traderId": "t", "symbol": "AAPL", "direction": "BUY", "type": "MARKET", "quantity": 0}, "quantity"},
		{"fractional quantity", map[string]any{"traderId": "t", "symbol": "AAPL", "direction": "BUY", "type": "MARKET", "quantity": 1.5}, "quantity"},
		{"bad direction", map[string]any{"traderId": "t", "symbol": "AAPL", "direction": "HOLD", "type": "MARKET", "quantity": 1}, "direction"},
		{"bad type", map[string]any{"traderId": "t", "symbol": "AAPL", "direction": "BUY", "type": "STOP", "quantity": 1}, "type"},
		{"missing trader", map[string]any{"symbol": "AAPL", "direction": "BUY", "type": "MARKET", "quantity": 1}, "traderId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.PlaceOrder(ctx, msg(t, tt.fields))
			assertCode(t, err, codes.InvalidArgument)
			assert.ErrorContains(t, err, tt.field)
		})
	}

	_, err := c.GetOrder(ctx, msg(t, map[string]any{"id": "not-a-uuid"}))
	assertCode(t, err, codes.InvalidArgument)
	_, err = c.GetOrder(ctx, msg(t, map[string]any{"id": uuid.NewString()}))
	assertCode(t, err, codes.NotFound)
}

func TestComposite(t *testing.T) {
	ctx := context.Background()
	c, _ := startServer(t)

	created, err := c.CreateComposite(ctx, msg(t, map[string]any{
		"traderId": "trader-1",
		"legs": []any{
			map[string]any{"symbol": "AAPL", "direction": "BUY", "type": "LIMIT", "quantity": 100, "price": "150"},
			map[string]any{"symbol": "MSFT", "direction": "BUY", "type": "LIMIT", "quantity": 200, "price": "300"},
		},
	}))
	assert.NilError(t, err)
	assert.Equal(t, field(created, "status"), "PENDING")
	assert.Equal(t, len(created.GetFields()["legs"].GetListValue().GetValues()), 2)

	_, err = c.PlaceOrder(ctx, msg(t, map[string]any{
		"traderId": "trader-2", "symbol": "AAPL", "direction": "SELL", "type": "LIMIT", "quantity": 100, "price": "150",
	}))
	assert.NilError(t, err)

	st, err := c.GetCompositeStatus(ctx, msg(t, map[string]any{"id": field(created, "id")}))
	assert.NilError(t, err)
	assert.Equal(t, field(st, "status"), "PARTIALLY_FILLED")

	_, err = c.GetCompositeStatus(ctx, msg(t, map[string]any{"id": uuid.NewString()}))
	assertCode(t, err, codes.NotFound)

	_, err = c.CreateComposite(ctx, msg(t, map[string]any{
		"traderId": "trader-1",
		"legs": []any{
			map[string]any{"symbol": "AAPL", "direction": "BUY", "type": "MARKET", "quantity": 1, "price": "3"},
		},
	}))
	assertCode(t, err, codes.InvalidArgument)
	assert.ErrorContains(t, err, "legs[0].price")

	_, err = c.CreateComposite(ctx, msg(t, map[string]any{"traderId": "trader-1"}))
	assertCode(t, err, codes.InvalidArgument)
}

func TestHealth(t *testing.T) {
	_, conn := startServer(t)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	assert.NilError(t, err)
	assert.Equal(t, resp.GetStatus(), healthpb.HealthCheckResponse_SERVING)
}

func TestToStatus(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		err  error
		want codes.Code
	}{
		{&service.ValidationError{Field: "price", Reason: "x"}, codes.InvalidArgument},
		{&service.NotFoundError{Kind: "order", ID: id}, codes.NotFound},
		{&service.InvalidCompositeError{ID: id}, codes.NotFound},
		{&service.InvalidStateError{ID: id, Status: orderbook.Filled}, codes.FailedPrecondition},
		{errors.WithMessage(context.DeadlineExceeded, "commit"), codes.DeadlineExceeded},
		{errors.WithMessage(orderbook.ErrInvariant, "leg 1"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, status.Code(toStatus(tt.err)), tt.want, tt.err.Error())
	}
}

func TestPriceParsing(t *testing.T) {
	p, err := price(structpb.NewStringValue("101.125"))
	assert.NilError(t, err)
	assert.Assert(t, p.Valid)
	assert.Equal(t, p.Decimal.String(), "101.125")

	p, err = price(structpb.NewNullValue())
	assert.NilError(t, err)
	assert.Assert(t, !p.Valid)

	_, err = price(structpb.NewStringValue("abc"))
	assert.ErrorContains(t, err, "price")

	_, err = price(structpb.NewBoolValue(true))
	assert.ErrorContains(t, err, "price")
}
