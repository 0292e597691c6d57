package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/shopcore/inventory/internal/inventory"
	kafkax "github.com/shopcore/inventory/internal/kafka"
	"github.com/shopcore/inventory/internal/orders"
	"github.com/shopcore/inventory/internal/redisx"
)

// Catalog is the product-lookup side of the store the handlers read from.
type Catalog interface {
	Product(ctx context.Context, id string) (*inventory.Product, error)
	ListProducts(ctx context.Context) ([]*inventory.Product, error)
}

// OrderStore is the order persistence surface the handlers drive.
// *orders.Repo is the production implementation.
type OrderStore interface {
	Create(ctx context.Context, o *orders.Order) error
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	MarkPaid(ctx context.Context, orderID, note string) (already bool, err error)
	SaveStatus(ctx context.Context, o *orders.Order, change *orders.StatusChange) error
}

// OrdersHandler is the collaborator surface around the inventory core:
// checkout, payment webhook, cancellation, and the admin reconcile trigger.
type OrdersHandler struct {
	Repo      OrderStore
	Inv       *inventory.Service
	Catalog   Catalog
	Redis     *redis.Client
	Created   *kafkax.Producer // order.created
	Paid      *kafkax.Producer // order.paid
	Cancelled *kafkax.Producer // order.cancelled
	Logger    zerolog.Logger
	Service   string
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/pay", h.paymentWebhook)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/stock/check", h.checkStock)
	r.Post("/admin/inventory/{productID}/sync", h.syncInventory)
	r.Get("/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type itemInput struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type createOrderReq struct {
	ExternalID    string      `json:"external_id"`
	UserID        string      `json:"user_id"`
	PaymentMethod string      `json:"payment_method"`
	Items         []itemInput `json:"items"`
}

type createOrderResp struct {
	OrderID      string                  `json:"order_id"`
	OrderNumber  string                  `json:"order_number"`
	TotalCents   int                     `json:"total_cents"`
	Reservations []inventory.Reservation `json:"reservations"`
	Idempotent   bool                    `json:"idempotent"`
}

// createOrder: availability pre-check, snapshot items, reserve, persist.
// On any reservation failure the client sees a 4xx and no order exists.
func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.UserID == "" || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}
	method := orders.PaymentMethod(req.PaymentMethod)
	if method == "" {
		method = orders.MethodCard
	}
	if method != orders.MethodCard && method != orders.MethodCOD {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown payment_method"})
		return
	}
	for _, it := range req.Items {
		if it.Qty < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid qty for product %s", it.ProductID)})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// fast-path idempotency; the DB unique order id stays the truth
	if req.ExternalID != "" {
		idemKey := fmt.Sprintf(redisx.KeyIdemOrderCreate, req.ExternalID)
		if existing, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && existing != "" {
			writeJSON(w, http.StatusOK, createOrderResp{OrderID: existing, Idempotent: true})
			return
		}
	}

	// snapshot cart lines from the catalog
	items := make([]orders.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		p, err := h.Catalog.Product(ctx, it.ProductID)
		if err != nil {
			if errors.Is(err, inventory.ErrProductNotFound) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("product not found: %s", it.ProductID)})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		items = append(items, orders.OrderItem{
			ProductID:  p.ID,
			Name:       p.Name,
			PriceCents: p.PriceCents,
			Qty:        it.Qty,
			Image:      p.Image,
		})
	}

	// cheap rejection before opening a transaction
	avail, err := h.Inv.CheckStockAvailability(ctx, items)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !avail.AllAvailable {
		writeJSON(w, http.StatusConflict, avail)
		return
	}

	receipts, err := h.Inv.ReserveStockForOrder(ctx, items)
	if err != nil {
		var resErr *inventory.ReservationError
		if errors.As(err, &resErr) && errors.Is(err, inventory.ErrInsufficientStock) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": resErr.Reason})
			return
		}
		if errors.Is(err, inventory.ErrProductNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if errors.Is(err, inventory.ErrConflict) {
			// caller may retry the whole request with fresh reads
			writeJSON(w, http.StatusConflict, map[string]string{"error": "concurrent stock update, retry"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	o, err := orders.New(uuid.NewString(), req.UserID, method, items)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.Repo.Create(ctx, o); err != nil {
		// the order never existed: hand the reservation back
		if relErr := h.Inv.ReleaseStockForOrder(ctx, items); relErr != nil {
			h.Logger.Error().Err(relErr).Str("order_id", o.ID).Msg("release after failed create")
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if req.ExternalID != "" {
		idemKey := fmt.Sprintf(redisx.KeyIdemOrderCreate, req.ExternalID)
		_ = h.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err()
	}
	h.cacheStatus(ctx, o)

	h.publish(h.Created, orders.EventOrderCreated, o.ID, orders.OrderCreatedPayload{
		OrderID: o.ID, OrderNumber: o.Number, UserID: o.UserID,
		Items: o.Items, TotalCents: o.TotalCents,
	}, r.Header.Get("X-Request-Id"))

	writeJSON(w, http.StatusCreated, createOrderResp{
		OrderID: o.ID, OrderNumber: o.Number, TotalCents: o.TotalCents,
		Reservations: receipts,
	})
}

type paymentWebhookReq struct {
	EventID     string `json:"event_id"`
	PaymentRef  string `json:"payment_ref"`
	AmountCents int    `json:"amount_cents"`
}

// paymentWebhook marks the order paid and deducts stock exactly once.
// Redelivery is a no-op twice over: Redis dedup on the gateway event id, and
// the payment_status gate in MarkPaid. The dedup key is written only after
// the payment is fully applied, so a failed first delivery stays retryable.
func (h *OrdersHandler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req paymentWebhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var dkey string
	if req.EventID != "" {
		dkey = fmt.Sprintf(redisx.KeyDedup, "payments", req.EventID)
		if seen, _ := redisx.Exists(ctx, h.Redis, dkey); seen {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	already, err := h.Repo.MarkPaid(ctx, orderID, "Payment confirmed")
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if already {
		h.markDeduped(ctx, dkey)
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}

	o, err := h.Repo.Get(ctx, orderID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	alerts, err := h.Inv.DeductStockForOrder(ctx, o.ID, o.Items)
	if err != nil {
		h.Logger.Error().Err(err).Str("order_id", o.ID).Msg("stock deduction after payment failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.markDeduped(ctx, dkey)
	h.cacheStatus(ctx, o)
	h.publish(h.Paid, orders.EventOrderPaid, o.ID, orders.OrderPaidPayload{
		OrderID: o.ID, OrderNumber: o.Number,
		PaymentRef: req.PaymentRef, AmountCents: o.TotalCents,
	}, r.Header.Get("X-Request-Id"))

	writeJSON(w, http.StatusOK, map[string]any{"status": "paid", "low_stock": alerts})
}

func (h *OrdersHandler) markDeduped(ctx context.Context, dkey string) {
	if dkey == "" {
		return
	}
	_ = h.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()
}

type cancelReq struct {
	Note string `json:"note"`
}

// cancelOrder releases the reservation when the order is unpaid, or restores
// physical stock when it was already paid (refund path).
func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req cancelReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Note == "" {
		req.Note = "Cancelled by request"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Repo.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	wasPaid := o.PaymentStatus == orders.PaymentPaid
	change, err := o.UpdateStatus(orders.StatusCancelled, req.Note)
	if err != nil {
		var invalid *orders.InvalidTransitionError
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if change == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_cancelled"})
		return
	}

	if wasPaid {
		o.PaymentStatus = orders.PaymentRefunded
		if err := h.Inv.RestoreStockForOrder(ctx, o.Items); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	} else {
		if err := h.Inv.ReleaseStockForOrder(ctx, o.Items); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	if err := h.Repo.SaveStatus(ctx, o, change); err != nil {
		if errors.Is(err, orders.ErrStaleOrder) {
			// someone (payment, sweep) moved the order since we loaded it
			writeJSON(w, http.StatusConflict, map[string]string{"error": "order changed, retry"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.cacheStatus(ctx, o)
	h.publish(h.Cancelled, orders.EventOrderCancelled, o.ID, orders.OrderCancelledPayload{
		OrderID: o.ID, OrderNumber: o.Number, Note: req.Note, Restored: wasPaid,
	}, r.Header.Get("X-Request-Id"))

	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "restored": wasPaid})
}

type checkStockReq struct {
	Items []itemInput `json:"items"`
}

func (h *OrdersHandler) checkStock(w http.ResponseWriter, r *http.Request) {
	var req checkStockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	items := make([]orders.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orders.OrderItem{ProductID: it.ProductID, Qty: it.Qty})
	}
	res, err := h.Inv.CheckStockAvailability(ctx, items)
	if err != nil {
		if errors.Is(err, inventory.ErrProductNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) syncInventory(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res, err := h.Inv.SyncInventory(ctx, productID)
	if err != nil {
		if errors.Is(err, inventory.ErrProductNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// cached status first
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
	if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
		writeJSON(w, http.StatusOK, json.RawMessage(s))
		return
	}

	o, err := h.Repo.Get(ctx, orderID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, orderStatusBody(o))
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.ListProducts(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type productView struct {
		ID         string `json:"id"`
		SKU        string `json:"sku"`
		Name       string `json:"name"`
		Image      string `json:"image,omitempty"`
		PriceCents int    `json:"price_cents"`
		Available  int    `json:"available"`
		InStock    bool   `json:"in_stock"`
		LowStock   bool   `json:"low_stock"`
	}
	out := make([]productView, 0, len(ps))
	for _, p := range ps {
		out = append(out, productView{
			ID: p.ID, SKU: p.SKU, Name: p.Name, Image: p.Image,
			PriceCents: p.PriceCents, Available: p.AvailableStock(),
			InStock: p.InStock(), LowStock: p.IsLowStock(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func orderStatusBody(o *orders.Order) map[string]any {
	return map[string]any{
		"order_id":       o.ID,
		"order_number":   o.Number,
		"status":         o.Status,
		"payment_status": o.PaymentStatus,
		"total_cents":    o.TotalCents,
		"updated_at":     o.UpdatedAt,
	}
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o *orders.Order) {
	key := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	b, err := json.Marshal(orderStatusBody(o))
	if err != nil {
		return
	}
	_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
}

func (h *OrdersHandler) publish(p *kafkax.Producer, eventType, orderID string, payload any, traceID string) {
	if p == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      h.Service,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
