package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderhooks/internal/constants"
	pkgerrors "orderhooks/pkg/errors"
	"orderhooks/pkg/metrics"
)

type Repository interface {
	Create(ctx context.Context, order *Order) error
	FindAll(ctx context.Context, limit, offset int) ([]Order, error)
	FindByID(ctx context.Context, id string) (*Order, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Order, error)
}

type PostgresRepository struct {
	db          *sql.DB
	serviceName string
}

func NewRepository(db *sql.DB, serviceName string) *PostgresRepository {
	return &PostgresRepository{db: db, serviceName: serviceName}
}

const orderColumns = `id, product_id, quantity, total, user_id, status, created_at, updated_at`

func (r *PostgresRepository) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery(r.serviceName, "postgres", op, status)
	metrics.ObserveDatabaseQueryDuration(r.serviceName, "postgres", op, time.Since(start))
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*Order, error) {
	var (
		o      Order
		userID sql.NullInt64
	)
	if err := row.Scan(&o.ID, &o.ProductID, &o.Quantity, &o.Total, &userID, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if userID.Valid {
		o.UserID = &userID.Int64
	}
	return &o, nil
}

func (r *PostgresRepository) Create(ctx context.Context, o *Order) (err error) {
	start := time.Now()
	defer func() { r.observe("create_order", start, err) }()

	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = StatusPending
	}

	query := `
		INSERT INTO orders (id, product_id, quantity, total, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`

	var userID sql.NullInt64
	if o.UserID != nil {
		userID = sql.NullInt64{Int64: *o.UserID, Valid: true}
	}

	err = r.db.QueryRowContext(ctx, query,
		o.ID, o.ProductID, o.Quantity, o.Total, userID, o.Status,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return pkgerrors.Storage("insert order", err)
	}
	return nil
}

func (r *PostgresRepository) FindAll(ctx context.Context, limit, offset int) ([]Order, error) {
	if limit <= 0 || limit > constants.MaxLimit {
		limit = constants.DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + orderColumns + `
		FROM orders
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, pkgerrors.Storage("list orders", err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, pkgerrors.Storage("scan order", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Storage("list orders", err)
	}
	return orders, nil
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, pkgerrors.Storage("get order", err)
	}
	return o, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status Status) (*Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notFound(id)
	}

	query := `
		UPDATE orders SET status = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING ` + orderColumns

	o, err := scanOrder(r.db.QueryRowContext(ctx, query, status, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, pkgerrors.Storage("update order status", err)
	}
	return o, nil
}

func notFound(id string) error {
	return pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("order %s not found", id))
}
