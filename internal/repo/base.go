package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Base is embedded by the gateway-layer repositories. It owns the pooled
// connection; callers inside a transaction pass their own handle instead.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the pooled connection bound to ctx. A nil ctx returns the raw
// connection.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Conn prefers the caller's transaction handle and falls back to the pooled
// connection. Reconciler writes run on tx; reads outside a tx pass nil.
func (b Base) Conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return b.DB(ctx)
}

// Take loads a single row. A missing row is reported as notFound when it
// is non-nil, otherwise as gorm.ErrRecordNotFound.
func Take[T any](q *gorm.DB, notFound error) (*T, error) {
	var row T
	if err := q.Take(&row).Error; err != nil {
		if notFound != nil && errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound
		}
		return nil, err
	}
	return &row, nil
}
