package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict: another writer committed the product first. Retryable by
	// re-running the whole order-level operation; never auto-retried here.
	ErrConflict = errors.New("optimistic concurrency conflict")

	ErrProductNotFound = errors.New("product not found")

	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError carries the per-product shortfall detail. It matches
// errors.Is(err, ErrInsufficientStock). Available is what new orders could
// take, Stock what is physically on hand; they differ when units are held by
// open reservations.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
	Stock     int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d of %d on hand",
		e.Name, e.Requested, e.Available, e.Stock)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ReservationError is the order-level reservation failure: the whole
// transaction was rolled back and the aborting cause is wrapped verbatim.
type ReservationError struct {
	Reason string
	Err    error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("stock reservation failed: %s", e.Reason)
}

func (e *ReservationError) Unwrap() error { return e.Err }
