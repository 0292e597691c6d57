package orders

import (
	"errors"
	"time"
)

var ErrNoItems = errors.New("order must have at least one item")

// OrderItem is an immutable snapshot of one cart line at creation time.
type OrderItem struct {
	ProductID     string `json:"product_id"`
	Name          string `json:"name"`
	PriceCents    int    `json:"price_cents"`
	Qty           int    `json:"qty"`
	Image         string `json:"image,omitempty"`
	SubtotalCents int    `json:"subtotal_cents"`
}

// StatusChange is one entry of the append-only audit trail.
type StatusChange struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

type Order struct {
	ID            string
	Number        string
	UserID        string
	Items         []OrderItem
	TotalCents    int
	Status        Status
	PaymentStatus PaymentStatus
	PaymentMethod PaymentMethod
	History       []StatusChange
	Version       int64 // optimistic-concurrency stamp, same scheme as the product ledger
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// New builds a pending order from snapshotted items. The order number is
// assigned by the repo at insert time (daily sequence lives in the store).
func New(id, userID string, method PaymentMethod, items []OrderItem) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	now := time.Now().UTC()
	o := &Order{
		ID:            id,
		UserID:        userID,
		Items:         items,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		PaymentMethod: method,
		History:       []StatusChange{{Status: StatusPending, At: now, Note: "Order created"}},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.Recalculate()
	return o, nil
}

// Recalculate refreshes per-item subtotals and the order total.
func (o *Order) Recalculate() {
	total := 0
	for i := range o.Items {
		o.Items[i].SubtotalCents = o.Items[i].PriceCents * o.Items[i].Qty
		total += o.Items[i].SubtotalCents
	}
	o.TotalCents = total
}

// UpdateStatus applies the transition table. Same-state transitions are
// no-ops and do not touch the history. The appended change is returned so
// repos can persist exactly the new entry.
func (o *Order) UpdateStatus(to Status, note string) (*StatusChange, error) {
	if o.Status == to {
		return nil, nil
	}
	if !CanTransition(o.Status, to) {
		return nil, &InvalidTransitionError{From: o.Status, To: to}
	}
	change := StatusChange{Status: to, At: time.Now().UTC(), Note: note}
	o.Status = to
	o.History = append(o.History, change)
	o.UpdatedAt = change.At
	return &change, nil
}

// Open reports whether the order still holds its stock reservation: not in a
// terminal state and not yet paid or refunded.
func (o *Order) Open() bool {
	if o.Status != StatusPending && o.Status != StatusProcessing {
		return false
	}
	return o.PaymentStatus != PaymentPaid && o.PaymentStatus != PaymentRefunded
}
