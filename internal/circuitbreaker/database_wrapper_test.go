package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), "checkpoint-test", zaptest.NewLogger(t))
	defer wrapper.Close()
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	// ? placeholders are rebound for the postgres driver
	mock.ExpectExec(`INSERT INTO voyage_checkpoints \(correlation_id\) VALUES \(\$1\)`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	res, err := wrapper.ExecContext(ctx, "INSERT INTO voyage_checkpoints (correlation_id) VALUES (?)", "c1")
	if err != nil {
		t.Fatalf("ExecContext failed: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("Expected 1 affected row, got %d", n)
	}

	mock.ExpectQuery(`SELECT state FROM voyage_checkpoints WHERE correlation_id = \$1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte(`{}`)))
	var state []byte
	if err := wrapper.GetContext(ctx, &state, "SELECT state FROM voyage_checkpoints WHERE correlation_id = ?", "c1"); err != nil {
		t.Errorf("GetContext failed: %v", err)
	}

	mock.ExpectQuery(`SELECT correlation_id FROM voyage_checkpoints`).
		WillReturnRows(sqlmock.NewRows([]string{"correlation_id"}).AddRow("c1").AddRow("c2"))
	var ids []string
	if err := wrapper.SelectContext(ctx, &ids, "SELECT correlation_id FROM voyage_checkpoints"); err != nil {
		t.Errorf("SelectContext failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("Expected 2 ids, got %v", ids)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_NoRowsDoesNotTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "sqlmock-norows"), "checkpoint-test", zaptest.NewLogger(t))
	defer wrapper.Close()

	for i := 0; i < int(GetDatabaseConfig().FailureThreshold)+1; i++ {
		mock.ExpectQuery("SELECT state").WillReturnError(sql.ErrNoRows)
		var state []byte
		err := wrapper.GetContext(context.Background(), &state, "SELECT state FROM voyage_checkpoints WHERE correlation_id = ?", "x")
		if !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("Expected sql.ErrNoRows, got %v", err)
		}
	}
	if wrapper.IsCircuitBreakerOpen() {
		t.Error("sql.ErrNoRows must not open the breaker")
	}
}

func TestDatabaseWrapper_OpensOnFailures(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	wrapper := NewDatabaseWrapper(sqlx.NewDb(db, "sqlmock-fail"), "checkpoint-test", zaptest.NewLogger(t))
	defer wrapper.Close()

	threshold := int(GetDatabaseConfig().FailureThreshold)
	for i := 0; i < threshold; i++ {
		mock.ExpectExec("DELETE").WillReturnError(errors.New("connection refused"))
		_, _ = wrapper.ExecContext(context.Background(), "DELETE FROM voyage_checkpoints")
	}
	if !wrapper.IsCircuitBreakerOpen() {
		t.Fatal("Expected breaker to open")
	}
	_, err = wrapper.ExecContext(context.Background(), "DELETE FROM voyage_checkpoints")
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}
}
