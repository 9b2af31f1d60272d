package orderbook

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Direction uint8
type Type uint8
type Status uint8

const (
	Buy Direction = iota
	Sell
)

const (
	Market Type = iota
	Limit
)

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
)

func (d Direction) String() string {
	switch d {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	panic("invalid direction string conversion " + strconv.Itoa(int(d)))
}

// Opposite returns the side an order of direction d trades against.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

func (d Direction) MarshalJSON() ([]byte, error) {
	if d != Buy && d != Sell {
		return nil, errors.New("invalid direction json conversion: " + strconv.Itoa(int(d)))
	}
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Direction) UnmarshalJSON(data []byte) error {
	v, err := ParseDirection(unquote(data))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func ParseDirection(value string) (Direction, error) {
	switch value {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, errors.New("unsupported direction: " + value)
}

func (t Type) String() string {
	switch t {
	case Market:
		return "MARKET"
	case Limit:
		return "LIMIT"
	}
	panic("invalid order type string conversion " + strconv.Itoa(int(t)))
}

func (t Type) MarshalJSON() ([]byte, error) {
	if t != Market && t != Limit {
		return nil, errors.New("invalid order type json conversion: " + strconv.Itoa(int(t)))
	}
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Type) UnmarshalJSON(data []byte) error {
	v, err := ParseType(unquote(data))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseType(value string) (Type, error) {
	switch value {
	case "MARKET":
		return Market, nil
	case "LIMIT":
		return Limit, nil
	}
	return 0, errors.New("unsupported order type: " + value)
}

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	}
	panic("invalid order status string conversion " + strconv.Itoa(int(s)))
}

// Active reports whether an order in status s may still match.
func (s Status) Active() bool {
	return s == Open || s == PartiallyFilled
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s > Cancelled {
		return nil, errors.New("invalid order status json conversion: " + strconv.Itoa(int(s)))
	}
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Status) UnmarshalJSON(data []byte) error {
	v, err := ParseStatus(unquote(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseStatus(value string) (Status, error) {
	switch value {
	case "OPEN":
		return Open, nil
	case "PARTIALLY_FILLED":
		return PartiallyFilled, nil
	case "FILLED":
		return Filled, nil
	case "CANCELLED":
		return Cancelled, nil
	}
	return 0, errors.New("unsupported order status: " + value)
}

func unquote(data []byte) string {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		return string(data[1 : len(data)-1])
	}
	return string(data)
}

// Instrument is a tradable symbol. LastPrice stays invalid until the first
// trade; LastSeq is the sequence of the last command applied to its book.
type Instrument struct {
	ID        uuid.UUID           `json:"id"`
	Symbol    string              `json:"symbol"`
	LastPrice decimal.NullDecimal `json:"lastPrice"`
	LastSeq   uint64              `json:"lastSeq"`
}

// Order is a pure domain entity. Price is valid iff Type is Limit.
type Order struct {
	ID           uuid.UUID           `json:"id"`
	TraderID     string              `json:"traderId"`
	InstrumentID uuid.UUID           `json:"instrumentId"`
	Symbol       string              `json:"symbol"`
	Direction    Direction           `json:"direction"`
	Type         Type                `json:"type"`
	Price        decimal.NullDecimal `json:"price"`
	Quantity     int64               `json:"quantity"`
	Remaining    int64               `json:"remaining"`
	Status       Status              `json:"status"`
	Seq          uint64              `json:"seq"`
	CreatedAt    time.Time           `json:"createdAt"`
	CompositeID  uuid.NullUUID       `json:"compositeId"`
}

// Executed returns the quantity filled so far.
func (o *Order) Executed() int64 {
	return o.Quantity - o.Remaining
}

// Trade is immutable once created.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	BuyOrderID   uuid.UUID       `json:"buyOrderId"`
	SellOrderID  uuid.UUID       `json:"sellOrderId"`
	InstrumentID uuid.UUID       `json:"instrumentId"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int64           `json:"quantity"`
	Seq          uint64          `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
}
