package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo is the Postgres store. Amounts travel as text so NUMERIC columns keep their scale.
type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Transient("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transient("commit tx", err)
	}
	return nil
}

// Product implements Catalog over the products table.
func (r *Repo) Product(ctx context.Context, productID string) (Product, error) {
	var p Product
	err := r.DB.QueryRow(ctx, `SELECT id, name, minimum_order_quantity FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.Name, &p.MinimumOrderQuantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, NotFound("product %s not found", productID)
	}
	if err != nil {
		return Product{}, Transient("get product", err)
	}
	return p, nil
}

type pgTx struct{ tx pgx.Tx }

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

// writeErr maps unique violations to Conflict and everything else to Transient.
func writeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Conflict("duplicate", "%s: %s", op, pgErr.ConstraintName)
	}
	return Transient(op, err)
}

// decCol is a NUMERIC column read back as text.
type decCol struct {
	dst  *decimal.Decimal
	name string
	text string
}

func parseDecs(op string, cols ...decCol) error {
	for _, c := range cols {
		d, err := decimal.NewFromString(c.text)
		if err != nil {
			return Transient(op, fmt.Errorf("parse %s %q: %w", c.name, c.text, err))
		}
		*c.dst = d
	}
	return nil
}

// ---- batches ----

func (t *pgTx) LockProduct(ctx context.Context, productID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "product:"+productID); err != nil {
		return Transient("lock product", err)
	}
	return nil
}

const batchCols = `id, product_id, batch_number, moq_value, orders_collected, moq_status,
	shipping_fee::text, shipping_fee_status, created_at, updated_at`

func (t *pgTx) scanBatch(ctx context.Context, row pgx.Row) (*Batch, error) {
	var (
		b   Batch
		fee string
	)
	if err := row.Scan(&b.ID, &b.ProductID, &b.BatchNumber, &b.MOQValue, &b.OrdersCollected,
		&b.MOQStatus, &fee, &b.ShippingFeeStatus, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseDecs("scan batch", decCol{&b.ShippingFee, "shipping_fee", fee}); err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `SELECT order_id FROM batch_orders WHERE batch_id=$1`, b.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	b.OrderIDs = NewIDSet()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		b.OrderIDs.Add(id)
	}
	return &b, rows.Err()
}

func (t *pgTx) optionalBatch(ctx context.Context, op, sql string, args ...any) (*Batch, error) {
	b, err := t.scanBatch(ctx, t.tx.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Transient(op, err)
	}
	return b, nil
}

func (t *pgTx) LatestBatch(ctx context.Context, productID string) (*Batch, error) {
	return t.optionalBatch(ctx, "latest batch", `SELECT `+batchCols+` FROM product_order_batches
		WHERE product_id=$1 ORDER BY batch_number DESC LIMIT 1 FOR UPDATE`, productID)
}

func (t *pgTx) BatchForMember(ctx context.Context, productID, orderID string) (*Batch, error) {
	return t.optionalBatch(ctx, "batch for member", `SELECT `+batchCols+` FROM product_order_batches b
		WHERE b.product_id=$1 AND EXISTS (
			SELECT 1 FROM batch_orders bo WHERE bo.batch_id=b.id AND bo.order_id=$2)`, productID, orderID)
}

func (t *pgTx) GetBatch(ctx context.Context, batchID string, forUpdate bool) (*Batch, error) {
	b, err := t.optionalBatch(ctx, "get batch",
		`SELECT `+batchCols+` FROM product_order_batches WHERE id=$1`+lockClause(forUpdate), batchID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, NotFound("batch %s not found", batchID)
	}
	return b, nil
}

func (t *pgTx) InsertBatch(ctx context.Context, b *Batch) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO product_order_batches(id, product_id, batch_number, moq_value, orders_collected,
			moq_status, shipping_fee, shipping_fee_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9,$10)`,
		b.ID, b.ProductID, b.BatchNumber, b.MOQValue, b.OrdersCollected,
		string(b.MOQStatus), b.ShippingFee.String(), string(b.ShippingFeeStatus), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return writeErr("insert batch", err)
	}
	return nil
}

func (t *pgTx) UpdateBatch(ctx context.Context, b *Batch) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE product_order_batches
		SET orders_collected=$2, moq_status=$3, shipping_fee=$4::numeric, shipping_fee_status=$5, updated_at=$6
		WHERE id=$1`,
		b.ID, b.OrdersCollected, string(b.MOQStatus), b.ShippingFee.String(), string(b.ShippingFeeStatus), b.UpdatedAt)
	if err != nil {
		return Transient("update batch", err)
	}
	if ct.RowsAffected() != 1 {
		return NotFound("batch %s not found", b.ID)
	}
	return nil
}

func (t *pgTx) AddBatchMember(ctx context.Context, batchID, orderID string, quantity int) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO batch_orders(batch_id, order_id, quantity) VALUES ($1,$2,$3)
		ON CONFLICT (batch_id, order_id) DO NOTHING`, batchID, orderID, quantity)
	if err != nil {
		return false, Transient("add batch member", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ---- orders ----

func (t *pgTx) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE order_number=$1`, number).Scan(&n); err != nil {
		return false, Transient("check order number", err)
	}
	return n > 0, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, customer_name, customer_email, customer_phone, is_anonymous,
			total, shipping_fee, total_with_shipping, status, product_payment_status, shipping_payment_status,
			shipping_verification_status, payment_receipt, shipping_payment_receipt, moq_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		o.ID, o.OrderNumber, o.CustomerName, o.CustomerEmail, o.CustomerPhone, o.IsAnonymous,
		o.Total.String(), o.ShippingFee.String(), o.TotalWithShipping.String(), string(o.Status),
		string(o.ProductPaymentStatus), string(o.ShippingPaymentStatus), string(o.ShippingVerificationStatus),
		o.PaymentReceipt, o.ShippingPaymentReceipt, string(o.MOQStatus), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return writeErr("insert order", err)
	}
	for i, it := range o.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(order_id, line_no, product_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5::numeric)`, o.ID, i+1, it.ProductID, it.Quantity, it.UnitPrice.String()); err != nil {
			return writeErr("insert order item", err)
		}
	}
	for _, e := range o.History {
		if err := t.AppendOrderHistory(ctx, o.ID, e); err != nil {
			return err
		}
	}
	return nil
}

const orderCols = `id, order_number, customer_name, customer_email, customer_phone, is_anonymous,
	total::text, shipping_fee::text, total_with_shipping::text, status, product_payment_status,
	shipping_payment_status, shipping_verification_status, payment_receipt, shipping_payment_receipt,
	moq_status, created_at, updated_at`

func (t *pgTx) scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                    Order
		total, fee, withShip string
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerName, &o.CustomerEmail, &o.CustomerPhone, &o.IsAnonymous,
		&total, &fee, &withShip, &o.Status, &o.ProductPaymentStatus, &o.ShippingPaymentStatus,
		&o.ShippingVerificationStatus, &o.PaymentReceipt, &o.ShippingPaymentReceipt, &o.MOQStatus,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := parseDecs("scan order",
		decCol{&o.Total, "total", total},
		decCol{&o.ShippingFee, "shipping_fee", fee},
		decCol{&o.TotalWithShipping, "total_with_shipping", withShip},
	); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *pgTx) loadOrderChildren(ctx context.Context, o *Order) error {
	rows, err := t.tx.Query(ctx, `SELECT product_id, quantity, unit_price::text FROM order_items
		WHERE order_id=$1 ORDER BY line_no`, o.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			it    LineItem
			price string
		)
		if err := rows.Scan(&it.ProductID, &it.Quantity, &price); err != nil {
			rows.Close()
			return err
		}
		if err := parseDecs("scan order item", decCol{&it.UnitPrice, "unit_price", price}); err != nil {
			rows.Close()
			return err
		}
		o.Items = append(o.Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	hist, err := t.history(ctx, `SELECT status, message, created_at FROM order_status_history
		WHERE order_id=$1 ORDER BY id`, o.ID)
	if err != nil {
		return err
	}
	o.History = hist
	return nil
}

func (t *pgTx) history(ctx context.Context, sql, id string) ([]StatusEntry, error) {
	rows, err := t.tx.Query(ctx, sql, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StatusEntry
	for rows.Next() {
		var e StatusEntry
		if err := rows.Scan(&e.Status, &e.Message, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) GetOrder(ctx context.Context, orderID string, forUpdate bool) (*Order, error) {
	o, err := t.scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`+lockClause(forUpdate), orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound("order %s not found", orderID)
	}
	if err != nil {
		return nil, Transient("get order", err)
	}
	if err := t.loadOrderChildren(ctx, o); err != nil {
		return nil, Transient("get order", err)
	}
	return o, nil
}

func (t *pgTx) GetOrders(ctx context.Context, orderIDs []string) ([]*Order, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ANY($1) ORDER BY id FOR UPDATE`, orderIDs)
	if err != nil {
		return nil, Transient("get orders", err)
	}
	var out []*Order
	for rows.Next() {
		o, err := t.scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, Transient("get orders", err)
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, Transient("get orders", err)
	}
	if len(out) != len(orderIDs) {
		return nil, NotFound("%d of %d orders not found", len(orderIDs)-len(out), len(orderIDs))
	}
	for _, o := range out {
		if err := t.loadOrderChildren(ctx, o); err != nil {
			return nil, Transient("get orders", err)
		}
	}
	return out, nil
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET shipping_fee=$2::numeric, total_with_shipping=$3::numeric, status=$4,
			product_payment_status=$5, shipping_payment_status=$6, shipping_verification_status=$7,
			payment_receipt=$8, shipping_payment_receipt=$9, updated_at=$10
		WHERE id=$1`,
		o.ID, o.ShippingFee.String(), o.TotalWithShipping.String(), string(o.Status),
		string(o.ProductPaymentStatus), string(o.ShippingPaymentStatus), string(o.ShippingVerificationStatus),
		o.PaymentReceipt, o.ShippingPaymentReceipt, o.UpdatedAt)
	if err != nil {
		return Transient("update order", err)
	}
	if ct.RowsAffected() != 1 {
		return NotFound("order %s not found", o.ID)
	}
	return nil
}

func (t *pgTx) AppendOrderHistory(ctx context.Context, orderID string, e StatusEntry) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO order_status_history(order_id, status, message, created_at)
		VALUES ($1,$2,$3,$4)`, orderID, e.Status, e.Message, e.At); err != nil {
		return Transient("append order history", err)
	}
	return nil
}

// ---- payments ----

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments(id, order_id, payment_method, phone_number, payment_amount, payment_status,
			payment_type, payment_unique_ref, merchant_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.OrderID, p.Method, p.PhoneNumber, p.Amount.String(), string(p.Status), string(p.Type),
		p.UniqueRef, p.MerchantRef, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return writeErr("insert payment", err)
	}
	for _, e := range p.History {
		if err := t.AppendPaymentHistory(ctx, p.ID, e); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetPayment(ctx context.Context, paymentID string, forUpdate bool) (*Payment, error) {
	var (
		p      Payment
		amount string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, order_id, payment_method, phone_number, payment_amount::text,
		payment_status, payment_type, payment_unique_ref, merchant_ref, created_at, updated_at
		FROM payments WHERE id=$1`+lockClause(forUpdate), paymentID).
		Scan(&p.ID, &p.OrderID, &p.Method, &p.PhoneNumber, &amount, &p.Status, &p.Type,
			&p.UniqueRef, &p.MerchantRef, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound("payment %s not found", paymentID)
	}
	if err != nil {
		return nil, Transient("get payment", err)
	}
	if err := parseDecs("get payment", decCol{&p.Amount, "payment_amount", amount}); err != nil {
		return nil, err
	}
	p.History, err = t.history(ctx, `SELECT status, message, created_at FROM payment_history
		WHERE payment_id=$1 ORDER BY id`, p.ID)
	if err != nil {
		return nil, Transient("get payment history", err)
	}
	return &p, nil
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment) error {
	ct, err := t.tx.Exec(ctx, `UPDATE payments SET payment_status=$2, payment_method=$3, merchant_ref=$4, updated_at=$5
		WHERE id=$1`, p.ID, string(p.Status), p.Method, p.MerchantRef, p.UpdatedAt)
	if err != nil {
		return Transient("update payment", err)
	}
	if ct.RowsAffected() != 1 {
		return NotFound("payment %s not found", p.ID)
	}
	return nil
}

func (t *pgTx) AppendPaymentHistory(ctx context.Context, paymentID string, e StatusEntry) error {
	if _, err := t.tx.Exec(ctx, `INSERT INTO payment_history(payment_id, status, message, created_at)
		VALUES ($1,$2,$3,$4)`, paymentID, e.Status, e.Message, e.At); err != nil {
		return Transient("append payment history", err)
	}
	return nil
}

func (t *pgTx) SumVerified(ctx context.Context, orderID string, pt PaymentType) (decimal.Decimal, error) {
	var sum string
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(payment_amount), 0)::text FROM payments
		WHERE order_id=$1 AND payment_type=$2 AND payment_status=$3`,
		orderID, string(pt), string(PaymentVerified)).Scan(&sum)
	if err != nil {
		return decimal.Zero, Transient("sum verified payments", err)
	}
	var total decimal.Decimal
	if err := parseDecs("sum verified payments", decCol{&total, "sum", sum}); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// ---- schedules ----

func (t *pgTx) InsertSchedule(ctx context.Context, s *PaymentSchedule) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_schedules(id, order_id, deposit_amount, deposit_paid, deposit_due_date, deposit_receipt,
			balance_amount, balance_paid, balance_due_date, balance_receipt, shipping_amount, shipping_paid,
			shipping_due_date, shipping_receipt, service_fee, created_at, updated_at)
		VALUES ($1,$2,$3::numeric,$4,$5,$6,$7::numeric,$8,$9,$10,$11::numeric,$12,$13,$14,$15::numeric,$16,$17)`,
		s.ID, s.OrderID, s.DepositAmount.String(), s.DepositPaid, s.DepositDueDate, s.DepositReceipt,
		s.BalanceAmount.String(), s.BalancePaid, s.BalanceDueDate, s.BalanceReceipt,
		s.ShippingAmount.String(), s.ShippingPaid, s.ShippingDueDate, s.ShippingReceipt,
		s.ServiceFee.String(), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return writeErr("insert payment schedule", err)
	}
	return nil
}

func (t *pgTx) ScheduleByOrder(ctx context.Context, orderID string) (*PaymentSchedule, error) {
	var (
		s                           PaymentSchedule
		deposit, balance, ship, svc string
	)
	err := t.tx.QueryRow(ctx, `SELECT id, order_id, deposit_amount::text, deposit_paid, deposit_due_date, deposit_receipt,
		balance_amount::text, balance_paid, balance_due_date, balance_receipt, shipping_amount::text, shipping_paid,
		shipping_due_date, shipping_receipt, service_fee::text, created_at, updated_at
		FROM payment_schedules WHERE order_id=$1 FOR UPDATE`, orderID).
		Scan(&s.ID, &s.OrderID, &deposit, &s.DepositPaid, &s.DepositDueDate, &s.DepositReceipt,
			&balance, &s.BalancePaid, &s.BalanceDueDate, &s.BalanceReceipt, &ship, &s.ShippingPaid,
			&s.ShippingDueDate, &s.ShippingReceipt, &svc, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Transient("get payment schedule", err)
	}
	if err := parseDecs("get payment schedule",
		decCol{&s.DepositAmount, "deposit_amount", deposit},
		decCol{&s.BalanceAmount, "balance_amount", balance},
		decCol{&s.ShippingAmount, "shipping_amount", ship},
		decCol{&s.ServiceFee, "service_fee", svc},
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) UpdateSchedule(ctx context.Context, s *PaymentSchedule) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payment_schedules SET deposit_paid=$2, deposit_receipt=$3, balance_paid=$4, balance_receipt=$5,
			shipping_amount=$6::numeric, shipping_paid=$7, shipping_due_date=$8, shipping_receipt=$9, updated_at=$10
		WHERE id=$1`,
		s.ID, s.DepositPaid, s.DepositReceipt, s.BalancePaid, s.BalanceReceipt,
		s.ShippingAmount.String(), s.ShippingPaid, s.ShippingDueDate, s.ShippingReceipt, s.UpdatedAt)
	if err != nil {
		return Transient("update payment schedule", err)
	}
	return nil
}

// ---- stats ----

func (t *pgTx) BatchStats(ctx context.Context, from, to time.Time) (BatchStats, error) {
	var (
		st       BatchStats
		shipping string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM product_order_batches WHERE moq_status=$3 AND created_at BETWEEN $1 AND $2),
			(SELECT COUNT(*) FROM product_order_batches WHERE moq_status=$4 AND created_at BETWEEN $1 AND $2),
			(SELECT COUNT(*) FROM product_order_batches WHERE shipping_fee_status=$5 AND created_at BETWEEN $1 AND $2),
			(SELECT COALESCE(SUM(shipping_fee), 0)::text FROM orders WHERE shipping_payment_status=$6 AND created_at BETWEEN $1 AND $2),
			(SELECT COUNT(*) FROM orders WHERE shipping_payment_status=$7 AND created_at BETWEEN $1 AND $2),
			(SELECT COUNT(*) FROM orders WHERE shipping_payment_status=$7 AND shipping_verification_status=$8
				AND created_at BETWEEN $1 AND $2)`,
		from, to, string(BatchPending), string(BatchReached), string(ShippingFeeProcessed),
		string(Paid), string(Unpaid), string(Unverified)).
		Scan(&st.BatchesBelowMOQ, &st.BatchesAwaitingConfirmation, &st.BatchesCompleted, &shipping,
			&st.OrdersAwaitingShippingPayment, &st.OrdersBlockedFromDelivery)
	if err != nil {
		return BatchStats{}, Transient("batch stats", fmt.Errorf("query: %w", err))
	}
	if err := parseDecs("batch stats", decCol{&st.TotalShippingFeesCollected, "shipping_fee", shipping}); err != nil {
		return BatchStats{}, err
	}
	return st, nil
}
