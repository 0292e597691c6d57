package inventory

import "time"

// Product is the stock ledger. Stock is the physically owned quantity,
// ReservedStock the share held against open orders. Version is the
// optimistic-concurrency stamp: stores compare it on write and bump it on
// every successful commit.
type Product struct {
	ID                string
	SKU               string
	Name              string
	Image             string
	Stock             int
	ReservedStock     int
	LowStockThreshold int
	PriceCents        int
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AvailableStock is the quantity offerable to new orders.
func (p *Product) AvailableStock() int {
	return p.Stock - p.ReservedStock
}

func (p *Product) InStock() bool {
	return p.AvailableStock() > 0
}

// IsLowStock: available is positive but at or below the alert threshold.
func (p *Product) IsLowStock() bool {
	a := p.AvailableStock()
	return a > 0 && a <= p.LowStockThreshold
}

// IsQuantityAvailable is the pure read behind the batch pre-check.
func (p *Product) IsQuantityAvailable(qty int) bool {
	return p.AvailableStock() >= qty
}

// Reserve holds qty units against an open order.
func (p *Product) Reserve(qty int) error {
	if !p.IsQuantityAvailable(qty) {
		return &InsufficientStockError{
			ProductID: p.ID, Name: p.Name, Requested: qty,
			Available: p.AvailableStock(), Stock: p.Stock,
		}
	}
	p.ReservedStock += qty
	return nil
}

// ReleaseReserved returns a reservation. Clamped at zero so a double release
// from a race never drives the ledger negative.
func (p *Product) ReleaseReserved(qty int) {
	p.ReservedStock -= qty
	if p.ReservedStock < 0 {
		p.ReservedStock = 0
	}
}

// Deduct consumes stock on payment confirmation. The matching reservation is
// assumed but not required: reserved is clamped, not checked, so bookkeeping
// drift never blocks a paid order.
func (p *Product) Deduct(qty int) error {
	if p.Stock < qty {
		return &InsufficientStockError{
			ProductID: p.ID, Name: p.Name, Requested: qty,
			Available: p.AvailableStock(), Stock: p.Stock,
		}
	}
	p.Stock -= qty
	p.ReservedStock -= qty
	if p.ReservedStock < 0 {
		p.ReservedStock = 0
	}
	return nil
}

// Restore returns physical stock when a paid order is cancelled after
// deduction already happened.
func (p *Product) Restore(qty int) {
	p.Stock += qty
}
