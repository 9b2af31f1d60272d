package grpcserver

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"venue/domain/orderbook"
	"venue/service"
)

// -------------------- Requests --------------------

func orderRequest(in *structpb.Struct) (service.OrderRequest, error) {
	leg, err := legRequest(in)
	if err != nil {
		return service.OrderRequest{}, err
	}
	return service.OrderRequest{
		TraderID:  stringField(in, "traderId"),
		Symbol:    leg.Symbol,
		Direction: leg.Direction,
		Type:      leg.Type,
		Quantity:  leg.Quantity,
		Price:     leg.Price,
	}, nil
}

func legRequest(in *structpb.Struct) (service.LegRequest, error) {
	var (
		r   service.LegRequest
		err error
	)
	r.Symbol = stringField(in, "symbol")
	if r.Direction, err = orderbook.ParseDirection(stringField(in, "direction")); err != nil {
		return r, &service.ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	}
	if r.Type, err = orderbook.ParseType(stringField(in, "type")); err != nil {
		return r, &service.ValidationError{Field: "type", Reason: "must be MARKET or LIMIT"}
	}
	if r.Quantity, err = quantity(in.GetFields()["quantity"]); err != nil {
		return r, err
	}
	if r.Price, err = price(in.GetFields()["price"]); err != nil {
		return r, err
	}
	return r, nil
}

func legRequests(in *structpb.Struct) ([]service.LegRequest, error) {
	values := in.GetFields()["legs"].GetListValue().GetValues()
	legs := make([]service.LegRequest, 0, len(values))
	for i, v := range values {
		st := v.GetStructValue()
		if st == nil {
			return nil, &service.ValidationError{Field: fmt.Sprintf("legs[%d]", i), Reason: "must be an object"}
		}
		leg, err := legRequest(st)
		if err != nil {
			var verr *service.ValidationError
			if errors.As(err, &verr) {
				return nil, &service.ValidationError{Field: fmt.Sprintf("legs[%d].%s", i, verr.Field), Reason: verr.Reason}
			}
			return nil, err
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func idField(in *structpb.Struct, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(stringField(in, key))
	if err != nil {
		return uuid.Nil, &service.ValidationError{Field: key, Reason: "must be a UUID"}
	}
	return id, nil
}

// quantity accepts a whole JSON number or its decimal string form. A missing
// value is zero and rejected later by validation.
func quantity(v *structpb.Value) (int64, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return 0, &service.ValidationError{Field: "quantity", Reason: "must be a whole number"}
		}
		return int64(f), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, &service.ValidationError{Field: "quantity", Reason: "must be a whole number"}
		}
		return n, nil
	}
	return 0, &service.ValidationError{Field: "quantity", Reason: "must be a number"}
}

// price accepts a decimal string, which keeps precision, or a JSON number.
func price(v *structpb.Value) (decimal.NullDecimal, error) {
	switch k := v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return decimal.NullDecimal{}, nil
	case *structpb.Value_StringValue:
		if k.StringValue == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := decimal.NewFromString(k.StringValue)
		if err != nil {
			return decimal.NullDecimal{}, &service.ValidationError{Field: "price", Reason: "must be a decimal"}
		}
		return decimal.NewNullDecimal(d), nil
	case *structpb.Value_NumberValue:
		return decimal.NewNullDecimal(decimal.NewFromFloat(k.NumberValue)), nil
	}
	return decimal.NullDecimal{}, &service.ValidationError{Field: "price", Reason: "must be a decimal"}
}

// -------------------- Errors --------------------

func toStatus(err error) error {
	var (
		verr *service.ValidationError
		nf   *service.NotFoundError
		ise  *service.InvalidStateError
		ice  *service.InvalidCompositeError
	)
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &nf), errors.As(err, &ice):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &ise):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
