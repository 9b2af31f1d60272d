package service

import (
	"fmt"

	"github.com/google/uuid"

	"venue/domain/orderbook"
)

// ValidationError rejects a malformed request before it reaches matching.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Kind string
	ID   uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidStateError rejects a cancel of an order that is no longer OPEN.
type InvalidStateError struct {
	ID     uuid.UUID
	Status orderbook.Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order %s is %s, only OPEN orders can be cancelled", e.ID, e.Status)
}

type InvalidCompositeError struct {
	ID uuid.UUID
}

func (e *InvalidCompositeError) Error() string {
	return fmt.Sprintf("composite %s not found", e.ID)
}
