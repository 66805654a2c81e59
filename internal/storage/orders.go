// Package storage - Order storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Order errors
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderConflict    = errors.New("order modified concurrently")
	ErrAlreadyPaired    = errors.New("order already paired")
	ErrSecretAlreadySet = errors.New("secret already set")
)

// OrderStatus represents the lifecycle status of a swap order.
type OrderStatus string

const (
	StatusCreated                OrderStatus = "created"
	StatusSourceHTLCCreated      OrderStatus = "source_htlc_created"
	StatusSourceHTLCClaimed      OrderStatus = "source_htlc_claimed"
	StatusDestinationHTLCCreated OrderStatus = "destination_htlc_created"
	StatusDestinationHTLCClaimed OrderStatus = "destination_htlc_claimed"
	StatusCompleted              OrderStatus = "completed"
	StatusCancelled              OrderStatus = "cancelled"
	StatusExpired                OrderStatus = "expired"
	StatusRefunded               OrderStatus = "refunded"
)

// IsTerminal returns true for statuses that never change again.
func (st OrderStatus) IsTerminal() bool {
	switch st {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Order represents one side of a cross-chain atomic swap in the database.
type Order struct {
	ID     string
	Status OrderStatus

	// Participants
	Maker string
	Taker string

	// Source leg (locked by the maker)
	SourceLedger string
	SourceToken  string
	SourceAmount uint64

	// Destination leg (received by the maker)
	DestinationLedger string
	DestinationToken  string
	DestinationAmount uint64

	// Hashlock commitment (hex, no prefix). Secret is "" until revealed.
	Hashlock string
	Secret   string

	// HTLC references on the two ledgers
	SourceHTLCID      string
	DestinationHTLCID string

	// Matched counter-order, "" until paired
	CounterOrderID string

	// Timing
	Timelock  time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt *time.Time

	// Optimistic concurrency token, bumped on every write
	Version int64

	// Refund retry bookkeeping
	RefundAttempts  int
	LastRefundError string
}

// IsExpired reports whether the order's timelock has passed at the given time.
func (o *Order) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Transition records one audited status change.
type Transition struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
	At      time.Time
}

const orderColumns = `
	id, status, maker, taker,
	source_ledger, source_token, source_amount,
	destination_ledger, destination_token, destination_amount,
	hashlock, secret, source_htlc_id, destination_htlc_id,
	counter_order_id, timelock_secs, created_at, expires_at, updated_at,
	version, refund_attempts, last_refund_error`

// CreateOrder creates a new order in the database.
func (s *Storage) CreateOrder(order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO orders (
			id, status, maker, taker,
			source_ledger, source_token, source_amount,
			destination_ledger, destination_token, destination_amount,
			hashlock, timelock_secs, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		order.ID, order.Status, order.Maker, order.Taker,
		order.SourceLedger, order.SourceToken, order.SourceAmount,
		order.DestinationLedger, order.DestinationToken, order.DestinationAmount,
		order.Hashlock, int64(order.Timelock.Seconds()),
		order.CreatedAt.Unix(), order.ExpiresAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	return nil
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*Order, error) {
	var order Order
	var secret, sourceHTLC, destHTLC, counterID, lastRefundErr sql.NullString
	var timelockSecs, createdAt, expiresAt int64
	var updatedAt sql.NullInt64

	err := row.Scan(
		&order.ID, &order.Status, &order.Maker, &order.Taker,
		&order.SourceLedger, &order.SourceToken, &order.SourceAmount,
		&order.DestinationLedger, &order.DestinationToken, &order.DestinationAmount,
		&order.Hashlock, &secret, &sourceHTLC, &destHTLC,
		&counterID, &timelockSecs, &createdAt, &expiresAt, &updatedAt,
		&order.Version, &order.RefundAttempts, &lastRefundErr,
	)
	if err != nil {
		return nil, err
	}

	order.Secret = secret.String
	order.SourceHTLCID = sourceHTLC.String
	order.DestinationHTLCID = destHTLC.String
	order.CounterOrderID = counterID.String
	order.LastRefundError = lastRefundErr.String
	order.Timelock = time.Duration(timelockSecs) * time.Second
	order.CreatedAt = time.Unix(createdAt, 0)
	order.ExpiresAt = time.Unix(expiresAt, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		order.UpdatedAt = &t
	}

	return &order, nil
}

// GetOrder retrieves an order by ID.
func (s *Storage) GetOrder(id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// OrderFilter selects orders for ListOrders.
type OrderFilter struct {
	Status            *OrderStatus
	SourceLedger      string
	DestinationLedger string
	Maker             string
	Unpaired          bool // only orders with no counter_order_id
	Limit             int
}

// ListOrders returns orders matching the filter, oldest first.
func (s *Storage) ListOrders(filter OrderFilter) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []interface{}{}

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, *filter.Status)
	}
	if filter.SourceLedger != "" {
		query += " AND source_ledger = ?"
		args = append(args, filter.SourceLedger)
	}
	if filter.DestinationLedger != "" {
		query += " AND destination_ledger = ?"
		args = append(args, filter.DestinationLedger)
	}
	if filter.Maker != "" {
		query += " AND maker = ?"
		args = append(args, filter.Maker)
	}
	if filter.Unpaired {
		query += " AND counter_order_id IS NULL"
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

// PendingOrders returns unpaired orders in Created status that have not
// expired, oldest first. This is the matcher's scan set.
func (s *Storage) PendingOrders(now time.Time) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND counter_order_id IS NULL AND expires_at > ?
		ORDER BY created_at ASC, id ASC
	`, StatusCreated, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

// NonTerminalOrders returns every order that can still change state.
// Used by the expiry monitor sweep and restart recovery.
func (s *Storage) NonTerminalOrders() ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC
	`, StatusCompleted, StatusCancelled, StatusRefunded)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	return orders, rows.Err()
}

// UpdateOrderStatus moves an order from one status to another and appends an
// audit row, in a single transaction. Returns ErrOrderConflict if the stored
// status no longer equals from (lost race), so callers can re-read and decide.
func (s *Storage) UpdateOrderStatus(id string, from, to OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	result, err := tx.Exec(`
		UPDATE orders SET status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = ?
	`, to, now, id, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish missing from raced
		var current string
		err := tx.QueryRow("SELECT status FROM orders WHERE id = ?", id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read order status: %w", err)
		}
		return fmt.Errorf("%w: status is %s, expected %s", ErrOrderConflict, current, from)
	}

	_, err = tx.Exec(`
		INSERT INTO order_transitions (order_id, from_status, to_status, at)
		VALUES (?, ?, ?, ?)
	`, id, from, to, now)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return tx.Commit()
}

// LinkCounterOrders sets counter_order_id on both orders atomically, and
// fills each order's taker with its counterpart's maker. Each side must
// still be unpaired and at the version the caller observed; otherwise
// nothing is written and ErrOrderConflict is returned.
func (s *Storage) LinkCounterOrders(idA, idB string, versionA, versionB int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	link := func(id, counter string, version int64) error {
		result, err := tx.Exec(`
			UPDATE orders
			SET counter_order_id = ?,
			    taker = (SELECT maker FROM orders WHERE id = ?),
			    updated_at = ?, version = version + 1
			WHERE id = ? AND counter_order_id IS NULL AND version = ?
		`, counter, counter, now, id, version)
		if err != nil {
			return fmt.Errorf("failed to link order %s: %w", id, err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("%w: order %s", ErrOrderConflict, id)
		}
		return nil
	}

	if err := link(idA, idB, versionA); err != nil {
		return err
	}
	if err := link(idB, idA, versionB); err != nil {
		return err
	}

	return tx.Commit()
}

// HTLCLeg identifies which leg of the swap an HTLC reference belongs to.
type HTLCLeg string

const (
	LegSource      HTLCLeg = "source"
	LegDestination HTLCLeg = "destination"
)

// SetOrderHTLC records the HTLC reference for one leg. Set-once: a second
// write with a different id returns ErrOrderConflict.
func (s *Storage) SetOrderHTLC(id string, leg HTLCLeg, htlcID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := "source_htlc_id"
	if leg == LegDestination {
		column = "destination_htlc_id"
	}

	result, err := s.db.Exec(`
		UPDATE orders SET `+column+` = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND (`+column+` IS NULL OR `+column+` = ?)
	`, htlcID, time.Now().Unix(), id, htlcID)
	if err != nil {
		return fmt.Errorf("failed to set %s htlc: %w", leg, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.getOrderLocked(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s htlc already set", ErrOrderConflict, leg)
	}

	return nil
}

// SetOrderSecret stores the revealed secret. Immutable once set: rewriting
// the same value is a no-op, a different value is rejected.
func (s *Storage) SetOrderSecret(id, secretHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE orders SET secret = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND (secret IS NULL OR secret = ?)
	`, secretHex, time.Now().Unix(), id, secretHex)
	if err != nil {
		return fmt.Errorf("failed to set secret: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.getOrderLocked(id); err != nil {
			return err
		}
		return ErrSecretAlreadySet
	}

	return nil
}

// AdoptHashlock rewrites an order's hashlock commitment to its pair's
// canonical one. Done at match time: both legs of a swap must settle under a
// single hashlock, and the older order's wins. The secret column always
// follows the adopted commitment; a commitment without a known secret clears
// any previously generated secret, since that secret no longer hashes to the
// stored hashlock.
func (s *Storage) AdoptHashlock(id, hashlockHex, secretHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret := sql.NullString{String: secretHex, Valid: secretHex != ""}
	result, err := s.db.Exec(`
		UPDATE orders SET hashlock = ?, secret = ?, updated_at = ?, version = version + 1
		WHERE id = ?
	`, hashlockHex, secret, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to adopt hashlock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// RecordRefundFailure bumps the refund attempt counter and stores the error.
func (s *Storage) RecordRefundFailure(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE orders
		SET refund_attempts = refund_attempts + 1, last_refund_error = ?, updated_at = ?
		WHERE id = ?
	`, errMsg, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record refund failure: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// Transitions returns the audited status changes for an order, oldest first.
func (s *Storage) Transitions(orderID string) ([]*Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT order_id, from_status, to_status, at
		FROM order_transitions WHERE order_id = ? ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*Transition
	for rows.Next() {
		var tr Transition
		var at int64
		if err := rows.Scan(&tr.OrderID, &tr.From, &tr.To, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.At = time.Unix(at, 0)
		transitions = append(transitions, &tr)
	}

	return transitions, rows.Err()
}

// CountOrders returns the count of orders, optionally filtered by status.
func (s *Storage) CountOrders(status *OrderStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var err error

	if status != nil {
		err = s.db.QueryRow("SELECT COUNT(*) FROM orders WHERE status = ?", *status).Scan(&count)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM orders").Scan(&count)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}

	return count, nil
}

// getOrderLocked reads an order while the caller holds s.mu.
func (s *Storage) getOrderLocked(id string) (*Order, error) {
	row := s.db.QueryRow(`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}
