package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper guards a sqlx handle with a breaker. sql.ErrNoRows is a
// normal lookup miss and never trips it.
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker. The
// breaker is named after the driver so Postgres and SQLite report apart.
func NewDatabaseWrapper(db *sqlx.DB, service string, logger *zap.Logger) *DatabaseWrapper {
	config := GetDatabaseConfig().ToConfig()
	config.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, context.Canceled)
	}
	name := db.DriverName()
	cb := NewCircuitBreaker(name, config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)

	return &DatabaseWrapper{
		db:      db,
		cb:      cb,
		name:    name,
		service: service,
		logger:  logger,
	}
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	success := err == nil || errors.Is(err, sql.ErrNoRows)
	GlobalMetricsCollector.RecordRequest(dw.name, dw.service, dw.cb.State(), success)
	return err
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// ExecContext runs a statement written with ? placeholders
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, dw.db.Rebind(query), args...)
		return err
	})
	return res, err
}

// GetContext scans a single row into dest
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.GetContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// SelectContext scans all rows into dest
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, dw.db.Rebind(query), args...)
	})
}

// DriverName returns the underlying driver name
func (dw *DatabaseWrapper) DriverName() string {
	return dw.db.DriverName()
}

// Close closes the underlying handle
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
