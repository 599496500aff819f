package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, idempotency_key, role, instrument, side, order_type, price, qty, filled_qty, avg_fill_price, status, exchange_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.IdempotencyKey, o.Role, o.Instrument, o.Side, o.OrderType, o.Price, o.Qty, o.FilledQty, o.AvgFillPrice, o.Status, o.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder persists fill progress, status, and the exchange order id.
func (d *Database) UpdateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET filled_qty = ?, avg_fill_price = ?, status = ?, exchange_order_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, o.FilledQty, o.AvgFillPrice, o.Status, o.ExchangeOrderID, o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

const orderColumns = `id, idempotency_key, role, instrument, side, order_type, price, qty,
       COALESCE(filled_qty, 0), COALESCE(avg_fill_price, 0), status,
       COALESCE(exchange_order_id, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.IdempotencyKey, &o.Role, &o.Instrument, &o.Side, &o.OrderType,
		&o.Price, &o.Qty, &o.FilledQty, &o.AvgFillPrice, &o.Status, &o.ExchangeOrderID,
		&o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// GetOrderByKey looks an order up by idempotency key.
func (d *Database) GetOrderByKey(ctx context.Context, key string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`, key)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order by key: %w", err)
	}
	return o, nil
}

// ListOrders returns the most recent orders.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListOpenOrders returns orders that have not reached a terminal status.
func (d *Database) ListOpenOrders(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('PENDING', 'SUBMITTED', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CreateFill records an applied fill. Duplicate fill ids are ignored so
// replayed events stay idempotent at the persistence layer too.
func (d *Database) CreateFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (fill_id, order_id, instrument, side, qty, price, fee)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.FillID, f.OrderID, f.Instrument, f.Side, f.Qty, f.Price, f.Fee)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// UpsertPosition creates or updates the ledger row for an instrument.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (instrument, qty, avg_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(instrument) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, p.Instrument, p.Qty, p.AvgPrice, p.RealizedPnL)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ListPositions returns all persisted positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT instrument, qty, avg_price, COALESCE(realized_pnl, 0), updated_at FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Instrument, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CreateCycleAudit appends one cycle's audit record.
func (d *Database) CreateCycleAudit(ctx context.Context, a CycleAudit) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO cycle_audits (cycle_id, instance_id, started_at, finished_at, entries)
		VALUES (?, ?, ?, ?, ?)
	`, a.CycleID, a.InstanceID, a.StartedAt, a.FinishedAt, a.Entries)
	if err != nil {
		return fmt.Errorf("insert cycle audit: %w", err)
	}
	return nil
}

// ListCycleAudits returns the most recent cycle audit records.
func (d *Database) ListCycleAudits(ctx context.Context, limit int) ([]CycleAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, cycle_id, instance_id, started_at, finished_at, entries
		FROM cycle_audits ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycle audits: %w", err)
	}
	defer rows.Close()

	var audits []CycleAudit
	for rows.Next() {
		var a CycleAudit
		if err := rows.Scan(&a.ID, &a.CycleID, &a.InstanceID, &a.StartedAt, &a.FinishedAt, &a.Entries); err != nil {
			return nil, fmt.Errorf("scan cycle audit: %w", err)
		}
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
