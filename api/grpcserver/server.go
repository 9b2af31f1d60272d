package grpcserver

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"venue/domain/orderbook"
	"venue/service"
)

// Server adapts OrderService and CompositeService to gRPC.
type Server struct {
	orders     *service.OrderService
	composites *service.CompositeService
	logger     *zap.Logger
}

func NewServer(orders *service.OrderService, composites *service.CompositeService, logger *zap.Logger) *Server {
	return &Server{orders: orders, composites: composites, logger: logger}
}

// -------------------- Commands --------------------

func (s *Server) PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := orderRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	o, err := s.orders.Admit(ctx, r)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.orderResponse(o)
}

func (s *Server) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(req, "id")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.orders.Cancel(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.orderResponse(o)
}

func (s *Server) CreateComposite(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	traderID := stringField(req, "traderId")
	legs, err := legRequests(req)
	if err != nil {
		return nil, toStatus(err)
	}
	id, err := s.composites.Create(ctx, traderID, legs)
	if err != nil {
		if id != uuid.Nil {
			s.logger.Warn("composite partially admitted", zap.Stringer("composite", id), zap.Error(err))
		}
		return nil, toStatus(err)
	}
	return s.compositeResponse(ctx, id)
}

// -------------------- Queries --------------------

func (s *Server) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(req, "id")
	if err != nil {
		return nil, toStatus(err)
	}
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.orderResponse(o)
}

func (s *Server) GetCompositeStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := idField(req, "id")
	if err != nil {
		return nil, toStatus(err)
	}
	return s.compositeResponse(ctx, id)
}

// -------------------- Responses --------------------

// orderResponse renders an order with its instrument's last traded price.
func (s *Server) orderResponse(o orderbook.Order) (*structpb.Struct, error) {
	fields := service.OrderFields(o)
	fields["lastPrice"] = nil
	if inst, ok := s.orders.Instrument(o.Symbol); ok && inst.LastPrice.Valid {
		fields["lastPrice"] = inst.LastPrice.Decimal.String()
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) compositeResponse(ctx context.Context, id uuid.UUID) (*structpb.Struct, error) {
	st, err := s.composites.Status(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	comp, legs, err := s.composites.Get(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}

	legIDs := make([]any, len(comp.Legs))
	for i, l := range comp.Legs {
		legIDs[i] = l.String()
	}
	orders := make([]any, len(legs))
	for i, o := range legs {
		orders[i] = service.OrderFields(o)
	}
	out, err := structpb.NewStruct(map[string]any{
		"id":       comp.ID.String(),
		"traderId": comp.TraderID,
		"status":   st.String(),
		"legIds":   legIDs,
		"legs":     orders,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}
