// Package composite models multi-leg orders. A composite never stores its own
// status; it is derived from the legs every time it is asked for.
package composite

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"venue/domain/orderbook"
)

type Status uint8

const (
	Pending Status = iota
	PartiallyFilled
	Filled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	}
	panic("invalid composite status string conversion " + strconv.Itoa(int(s)))
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s > Filled {
		return nil, errors.New("invalid composite status json conversion: " + strconv.Itoa(int(s)))
	}
	return []byte(`"` + s.String() + `"`), nil
}

func ParseStatus(value string) (Status, error) {
	switch value {
	case "PENDING":
		return Pending, nil
	case "PARTIALLY_FILLED":
		return PartiallyFilled, nil
	case "FILLED":
		return Filled, nil
	}
	return 0, errors.New("unsupported composite status: " + value)
}

// Composite groups leg orders under one id. Legs keep the caller's order.
type Composite struct {
	ID        uuid.UUID   `json:"id"`
	TraderID  string      `json:"traderId"`
	Legs      []uuid.UUID `json:"legs"`
	Seq       uint64      `json:"seq"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Derive counts fully filled legs: all of them is Filled, none is Pending,
// anything between is PartiallyFilled. A partially filled leg does not count.
func Derive(legs []orderbook.Status) Status {
	filled := 0
	for _, s := range legs {
		if s == orderbook.Filled {
			filled++
		}
	}
	switch {
	case filled == 0:
		return Pending
	case filled == len(legs):
		return Filled
	default:
		return PartiallyFilled
	}
}
