package batch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-groupbuy-orders/internal/logger"
	"github.com/ariefcatur/go-groupbuy-orders/internal/metrics"
	"github.com/ariefcatur/go-groupbuy-orders/internal/orders"
)

// Assignment is the outcome of placing one line item.
type Assignment struct {
	Batch *orders.Batch
	// Duplicate is set when the order already belonged to a batch of the product.
	Duplicate bool
	// Opened is set when Batch was created by this call.
	Opened bool
	// Reached lists batches that crossed their MOQ during this call.
	Reached []*orders.Batch
}

type Assigner struct {
	Catalog orders.Catalog
	Log     *logger.Logger
	Now     func() time.Time
}

func NewAssigner(catalog orders.Catalog, log *logger.Logger) *Assigner {
	return &Assigner{Catalog: catalog, Log: log, Now: func() time.Time { return time.Now().UTC() }}
}

// Assign adds quantity units of productID for orderID to the product's open batch, opening
// the next batch when the latest one is full or no longer accepting orders. It runs inside
// the caller's transaction and must be called with the product lock held.
func (a *Assigner) Assign(ctx context.Context, tx orders.Tx, productID string, quantity int, orderID string) (Assignment, error) {
	if productID == "" || orderID == "" {
		return Assignment{}, orders.InvalidInput("product id and order id are required")
	}
	if quantity <= 0 {
		return Assignment{}, orders.InvalidInput("quantity must be positive, got %d", quantity)
	}
	if err := tx.LockProduct(ctx, productID); err != nil {
		return Assignment{}, err
	}

	existing, err := tx.BatchForMember(ctx, productID, orderID)
	if err != nil {
		return Assignment{}, err
	}
	if existing != nil {
		a.Log.Debug("order already assigned", "order_id", orderID, "batch_id", existing.ID)
		return Assignment{Batch: existing, Duplicate: true}, nil
	}

	latest, err := tx.LatestBatch(ctx, productID)
	if err != nil {
		return Assignment{}, err
	}

	var out Assignment
	switch {
	case latest == nil:
		// first batch of the product
	case latest.MOQStatus.Open() && !latest.Full():
		if err := a.join(ctx, tx, latest, orderID, quantity, &out); err != nil {
			return Assignment{}, err
		}
		return out, nil
	case latest.MOQStatus == orders.BatchPending:
		// full but still PENDING, mark it before moving on
		if err := a.markReached(ctx, tx, latest, &out); err != nil {
			return Assignment{}, err
		}
	}

	next := 1
	if latest != nil {
		next = latest.BatchNumber + 1
	}
	b, err := a.open(ctx, tx, productID, next, orderID, quantity)
	if err != nil {
		return Assignment{}, err
	}
	out.Batch, out.Opened = b, true
	if b.MOQStatus == orders.BatchReached {
		out.Reached = append(out.Reached, b)
	}
	return out, nil
}

func (a *Assigner) join(ctx context.Context, tx orders.Tx, b *orders.Batch, orderID string, quantity int, out *Assignment) error {
	added, err := tx.AddBatchMember(ctx, b.ID, orderID, quantity)
	if err != nil {
		return err
	}
	out.Batch = b
	if !added {
		out.Duplicate = true
		return nil
	}
	b.OrderIDs.Add(orderID)
	b.OrdersCollected += quantity
	b.UpdatedAt = a.Now()
	if b.Full() && b.MOQStatus == orders.BatchPending {
		b.MOQStatus = orders.BatchReached
		out.Reached = append(out.Reached, b)
		metrics.RecordBatchStatus(b.MOQStatus)
		a.Log.Info("batch reached moq", "batch_id", b.ID, "product_id", b.ProductID,
			"collected", b.OrdersCollected, "moq", b.MOQValue)
	}
	return tx.UpdateBatch(ctx, b)
}

func (a *Assigner) markReached(ctx context.Context, tx orders.Tx, b *orders.Batch, out *Assignment) error {
	b.MOQStatus = orders.BatchReached
	b.UpdatedAt = a.Now()
	if err := tx.UpdateBatch(ctx, b); err != nil {
		return err
	}
	out.Reached = append(out.Reached, b)
	metrics.RecordBatchStatus(b.MOQStatus)
	return nil
}

func (a *Assigner) open(ctx context.Context, tx orders.Tx, productID string, number int, orderID string, quantity int) (*orders.Batch, error) {
	p, err := a.Catalog.Product(ctx, productID)
	if err != nil {
		return nil, err
	}
	moq := p.MinimumOrderQuantity
	if moq < 0 {
		moq = 0
	}
	now := a.Now()
	b := &orders.Batch{
		ID:                uuid.NewString(),
		ProductID:         productID,
		BatchNumber:       number,
		MOQValue:          moq,
		OrdersCollected:   quantity,
		OrderIDs:          orders.NewIDSet(orderID),
		MOQStatus:         orders.BatchPending,
		ShippingFee:       decimal.Zero,
		ShippingFeeStatus: orders.ShippingFeePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if b.Full() {
		b.MOQStatus = orders.BatchReached
	}
	if err := tx.InsertBatch(ctx, b); err != nil {
		return nil, err
	}
	if _, err := tx.AddBatchMember(ctx, b.ID, orderID, quantity); err != nil {
		return nil, err
	}
	metrics.RecordBatchStatus(b.MOQStatus)
	a.Log.Info("batch opened", "batch_id", b.ID, "product_id", productID, "batch_number", number,
		"moq", moq, "status", string(b.MOQStatus))
	return b, nil
}
