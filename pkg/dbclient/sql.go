package dbclient

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

// SQLClient implements Client over database/sql for any driver reachable
// through a DSN — Postgres via lib/pq, or the pure-Go modernc.org/sqlite
// for an embedded, CGO-free DUT backend. Connect opens the pooled *sql.DB
// lazily on first use and keeps it across Rollback/Connect cycles; only
// the per-transaction handle is torn down and rebuilt.
type SQLClient struct {
	driverName string
	dsn        string
	table      string
	dialect    Dialect

	db *sql.DB
	tx *sql.Tx
}

// NewSQLClient builds a Client backed by database/sql. table is the
// fuzzed table name (assumed to have integer columns a, b per the Row
// data model).
func NewSQLClient(driverName, dsn, table string, dialect Dialect) *SQLClient {
	return &SQLClient{driverName: driverName, dsn: dsn, table: table, dialect: dialect}
}

// NewSQLClientWithDB builds a Client around an already-open *sql.DB,
// bypassing Connect's lazy sql.Open — this is what lets tests hand it a
// go-sqlmock stub instead of a live driver.
func NewSQLClientWithDB(db *sql.DB, table string, dialect Dialect) *SQLClient {
	return &SQLClient{db: db, table: table, dialect: dialect}
}

func (c *SQLClient) ensureDB() error {
	if c.db != nil {
		return nil
	}
	db, err := sql.Open(c.driverName, c.dsn)
	if err != nil {
		return &TransportError{Err: err}
	}
	c.db = db
	return nil
}

// Connect begins a transaction immediately, using the strictest
// isolation level the driver offers so that serialization conflicts are
// actually observable.
func (c *SQLClient) Connect(ctx context.Context) error {
	if err := c.ensureDB(); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return &TransportError{Err: err}
	}
	c.tx = tx
	return nil
}

func (c *SQLClient) Execute(ctx context.Context, query string, args ...interface{}) Outcome {
	if c.tx == nil {
		return Outcome{Status: StatusTransportError, Err: &TransportError{Err: fmt.Errorf("execute called without an open transaction")}}
	}
	_, err := c.tx.ExecContext(ctx, query, args...)
	if err == nil {
		return Outcome{Status: StatusOK}
	}
	if c.dialect != nil && c.dialect.IsSerializationFailure(err) {
		return Outcome{Status: StatusConflict, Err: &SerializationFailure{Err: err}}
	}
	return Outcome{Status: StatusTransportError, Err: &TransportError{Err: err}}
}

func (c *SQLClient) FetchAll(ctx context.Context, query string, args ...interface{}) ([][]interface{}, error) {
	if c.tx == nil {
		return nil, &TransportError{Err: fmt.Errorf("fetchall called without an open transaction")}
	}
	rows, err := c.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([][]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	var out [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &TransportError{Err: err}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}
	return out, nil
}

// Commit commits the open transaction.
func (c *SQLClient) Commit(ctx context.Context) error {
	if c.tx == nil {
		return &TransportError{Err: fmt.Errorf("commit called without an open transaction")}
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// Rollback rolls back and immediately re-opens a fresh transaction on the
// same handle, so the connection remains usable for the next logical
// transaction slot.
func (c *SQLClient) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return &TransportError{Err: err}
	}
	return c.Connect(ctx)
}

func (c *SQLClient) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Dump returns every row of the fuzzed table, outside any open
// transaction so it observes whatever is currently committed.
func (c *SQLClient) Dump(ctx context.Context) ([]types.Row, error) {
	if err := c.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT a, b FROM %s", c.table))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		var r types.Row
		if err := rows.Scan(&r.A, &r.B); err != nil {
			return nil, &TransportError{Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Err: err}
	}
	return out, nil
}
