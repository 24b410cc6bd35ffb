package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"tiny-agent/internal/agent"
)

func TestMySQLStoreCreateAndGet(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO agent_runs
        (id, task, tools, planner, session, metadata, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`, mockResult{rowsAffected: 1}),
		queryOp("SELECT "+selectColumns+" FROM agent_runs WHERE id = ?", mockRowsData{
			columns: taskColumns,
			values: [][]driver.Value{{
				"run-1", "list files", `["file"]`, "command", "s1", `{"source":"api"}`, "succeeded",
				int64(1), int64(3), "", "", `{"run_id":"r","task":"list files","status":"completed","answer":"done","steps":null,"tools_available":null,"memory_keys":null,"started_at":"0001-01-01T00:00:00Z","finished_at":"0001-01-01T00:00:00Z"}`,
				int64(100), int64(200),
			}},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := fixedStore(db)
	task := &Task{ID: "run-1", Input: "list files", Tools: []string{"file"}, Planner: "command", Session: "s1",
		Metadata: map[string]any{"source": "api"}, Status: StatusPending, MaxRetries: 3}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.CreatedAt != 1700000000 {
		t.Fatalf("created_at not stamped: %d", task.CreatedAt)
	}

	got, err := store.Get(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.Tools[0] != "file" || got.Metadata["source"] != "api" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Result == nil || got.Result.Status != agent.StatusCompleted || got.Result.Answer != "done" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
}

func TestMySQLStoreCreateDuplicate(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := fixedStore(db).Create(context.Background(), &Task{ID: "dup", Input: "x"})
	if !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMySQLStoreClaimCompleted(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, result: mockResult{rowsAffected: 0}},
		{typ: opQuery, rows: mockRowsData{
			columns: taskColumns,
			values: [][]driver.Value{{
				"run-2", "x", nil, "", "", nil, "succeeded", int64(1), int64(3), "", "", nil, int64(1), int64(2),
			}},
		}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	task, err := fixedStore(db).Claim(context.Background(), "run-2")
	if !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if task == nil || task.Result != nil || task.Tools != nil {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestMySQLStoreMarkFailedMissing(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, result: mockResult{rowsAffected: 0}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	err := fixedStore(db).MarkFailed(context.Background(), "ghost", CodeTaskProcessing, "boom", nil)
	if !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMySQLStoreListBuildsFilters(t *testing.T) {
	opts := buildListOptions([]ListOption{WithStatuses(StatusFailed, StatusPending), WithQuery("weather"), WithResultPresence(false)})
	clause, args := buildFilterClause(opts)
	want := "status IN (?,?) AND result IS NULL AND (id LIKE ? OR task LIKE ? OR last_error LIKE ? OR answer LIKE ?)"
	if clause != want {
		t.Fatalf("unexpected clause:\n%s", clause)
	}
	if len(args) != 6 || args[0] != "failed" || args[2] != "%weather%" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestRetryableCodesMatchTerminal(t *testing.T) {
	codes := retryableCodes()
	if !slices.Contains(codes, any(string(CodeTaskProcessing))) {
		t.Fatalf("processing failures should be retryable: %v", codes)
	}
	if slices.Contains(codes, any(string(CodeTaskPublish))) {
		t.Fatalf("publish failures are terminal: %v", codes)
	}
	if got := placeholders(3); got != "?,?,?" {
		t.Fatalf("unexpected placeholders %q", got)
	}
}

func TestMySQLStoreMigrationConfig(t *testing.T) {
	cfg := migrationConfig()
	if cfg.MigrationsTable != "schema_migrations" {
		t.Fatalf("unexpected migrations table %q", cfg.MigrationsTable)
	}
	if cfg.NoLock {
		t.Fatalf("migrations must hold the advisory lock")
	}
}

var taskColumns = []string{"id", "task", "tools", "planner", "session", "metadata", "status", "attempts",
	"max_retries", "last_error", "error_code", "result", "created_at", "updated_at"}

func fixedStore(db *sql.DB) *MySQLStore {
	store := newMySQLStore(db)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	return store
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return 0, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()
	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()
	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
