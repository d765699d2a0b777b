package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// DefaultConfidenceRadius seeds the learning row of a new route.
const DefaultConfidenceRadius = 1.0

// Store is the SQLite-backed execution ledger.
//
// All access goes through a single connection, so every transaction is
// serialised. Read-modify-write helpers such as UpdateLearning rely on this
// to never lose concurrent increments.
type Store struct {
	DBPath string
	db     *sql.DB
	now    func() time.Time
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the ledger database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != MemoryPath {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve ledger path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("ensure ledger dir: %w", err)
		}
		dsn = absPath
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		DBPath: dsn,
		db:     db,
		now:    time.Now,
	}

	if err := store.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) ensureSchema() error {
	schema := `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	context_json TEXT NOT NULL,
	constraints_json TEXT NOT NULL,
	budget_json TEXT NOT NULL,
	owner TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id),
	parent_branch_id TEXT,
	score REAL NOT NULL,
	breakdown_json TEXT NOT NULL,
	rationale_json TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_branches_plan ON branches(plan_id, score);

CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	plan_id TEXT NOT NULL REFERENCES plans(id),
	branch_id TEXT NOT NULL DEFAULT '',
	capability TEXT NOT NULL,
	description TEXT,
	inputs_json TEXT NOT NULL,
	acceptance_json TEXT NOT NULL,
	critical INTEGER NOT NULL DEFAULT 0,
	parallel_group TEXT,
	status TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_steps_plan_branch ON steps(plan_id, branch_id, order_index);

CREATE TABLE IF NOT EXISTS step_dependencies (
	step_id TEXT NOT NULL REFERENCES steps(id),
	depends_on TEXT NOT NULL REFERENCES steps(id),
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (step_id, depends_on)
);

CREATE TABLE IF NOT EXISTS routes (
	id TEXT PRIMARY KEY,
	capability TEXT NOT NULL,
	backend_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	score REAL NOT NULL,
	policy_json TEXT NOT NULL,
	healthy INTEGER NOT NULL DEFAULT 1,
	weights_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_routes_capability ON routes(capability, score);

CREATE TABLE IF NOT EXISTS learning (
	route_id TEXT PRIMARY KEY REFERENCES routes(id),
	success_count INTEGER NOT NULL DEFAULT 0,
	total_count INTEGER NOT NULL DEFAULT 0,
	avg_latency_ms REAL NOT NULL DEFAULT 0,
	avg_cost REAL NOT NULL DEFAULT 0,
	avg_reliability REAL NOT NULL DEFAULT 0,
	confidence_radius REAL NOT NULL,
	last_reward REAL NOT NULL DEFAULT 0,
	last_success_at TEXT,
	last_failure_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	step_id TEXT NOT NULL REFERENCES steps(id),
	plan_id TEXT NOT NULL,
	route_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	path TEXT NOT NULL,
	route_healthy INTEGER NOT NULL,
	inputs_json TEXT NOT NULL,
	outputs_json TEXT,
	status TEXT NOT NULL,
	latency_ms REAL NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	quality REAL NOT NULL DEFAULT 0,
	error TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_tickets_plan ON tickets(plan_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tickets_route ON tickets(route_id);

CREATE TABLE IF NOT EXISTS attestations (
	id TEXT PRIMARY KEY,
	ticket_id TEXT NOT NULL REFERENCES tickets(id),
	predicate_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	policy_uri TEXT,
	attestor TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attestations_ticket ON attestations(ticket_id);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	source TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, ts);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	scheduled_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	payload_json TEXT,
	result_json TEXT,
	lease_owner TEXT,
	lease_expires_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs(status, scheduled_at);

CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction and commits when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, value)
	return t
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t := parseTime(value.String)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal column: %w", err)
	}
	return string(data), nil
}

func decodeJSON(raw sql.NullString, v any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
