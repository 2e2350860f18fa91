package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/voyage/internal/state"
)

const schema = `CREATE TABLE IF NOT EXISTS workflow_checkpoints (
	correlation_id TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	steps          INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL
)`

const upsertCheckpoint = `INSERT INTO workflow_checkpoints (correlation_id, state, steps, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (correlation_id) DO UPDATE SET
	state = excluded.state,
	steps = excluded.steps,
	updated_at = excluded.updated_at`

const selectCheckpoint = `SELECT correlation_id, state, steps, updated_at
FROM workflow_checkpoints WHERE correlation_id = ?`

// Row is one stored checkpoint.
type Row struct {
	CorrelationID string    `db:"correlation_id"`
	State         string    `db:"state"`
	Steps         int       `db:"steps"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// SQLStore keeps checkpoints in Postgres or SQLite. Both accept the same
// upsert, and queries are rebound to the driver's placeholder style.
type SQLStore struct {
	db      *circuitbreaker.DatabaseWrapper
	backend string
	logger  *zap.Logger
	now     func() time.Time
}

// OpenSQL opens a database for backend (postgres or sqlite).
func OpenSQL(backend, dsn string) (*sqlx.DB, error) {
	var driver string
	switch backend {
	case BackendPostgres:
		driver = "postgres"
	case BackendSQLite:
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("unsupported sql checkpoint backend %q", backend)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// A second connection to ":memory:" would see an empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return db, nil
}

// NewSQLStore wraps db with a breaker and creates the table if needed.
func NewSQLStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*SQLStore, error) {
	backend := BackendPostgres
	if strings.HasPrefix(db.DriverName(), "sqlite") {
		backend = BackendSQLite
	}
	s := &SQLStore{
		db:      circuitbreaker.NewDatabaseWrapper(db, "voyage-checkpoint", logger),
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create checkpoint table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Save(ctx context.Context, correlationID string, st *state.WorkflowState) (err error) {
	defer func() { observe(s.backend, "save", err) }()
	data, err := encode(correlationID, st)
	if err != nil {
		return err
	}
	steps := len(st.ReasoningTrace)
	if _, err := s.db.ExecContext(ctx, upsertCheckpoint, correlationID, string(data), steps, s.now().UTC()); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", correlationID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, correlationID string) (st *state.WorkflowState, err error) {
	defer func() { observe(s.backend, "load", err) }()
	row, err := s.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return decode(correlationID, []byte(row.State))
}

// Get returns the raw row for correlationID.
func (s *SQLStore) Get(ctx context.Context, correlationID string) (Row, error) {
	var row Row
	err := s.db.GetContext(ctx, &row, selectCheckpoint, correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, fmt.Errorf("load checkpoint %s: %w", correlationID, err)
	}
	return row, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BreakerOpen reports whether the database breaker is rejecting calls.
func (s *SQLStore) BreakerOpen() bool {
	return s.db.IsCircuitBreakerOpen()
}
