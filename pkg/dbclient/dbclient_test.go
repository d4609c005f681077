package dbclient

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestSQLClient_CommitCycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rows").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	client := NewSQLClientWithDB(db, "rows", PostgresDialect{})
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	out := client.Execute(ctx, "INSERT INTO rows (a, b) VALUES (1, 2)")
	if out.Status != StatusOK {
		t.Fatalf("Execute status = %v, want StatusOK", out.Status)
	}
	if err := client.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLClient_RollbackReopens(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()

	client := NewSQLClientWithDB(db, "rows", PostgresDialect{})
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if client.tx == nil {
		t.Fatalf("Rollback did not re-open a transaction")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLClient_ExecuteReportsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE rows").WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	client := NewSQLClientWithDB(db, "rows", PostgresDialect{})
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	out := client.Execute(ctx, "UPDATE rows SET b = 1 WHERE a = 1")
	if out.Status != StatusConflict {
		t.Fatalf("Execute status = %v, want StatusConflict", out.Status)
	}
	if !IsSerializationFailure(out.Err) {
		t.Fatalf("expected a SerializationFailure, got %v", out.Err)
	}
}

func TestPostgresDialect_IsSerializationFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization_failure", &pq.Error{Code: "40001"}, true},
		{"lock_not_available", &pq.Error{Code: "55P03"}, true},
		{"unrelated code", &pq.Error{Code: "23505"}, false},
		{"non-pq error", errors.New("boom"), false},
	}
	d := PostgresDialect{}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := d.IsSerializationFailure(c.err); got != c.want {
				t.Fatalf("IsSerializationFailure(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestSQLiteDialect_IsSerializationFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"busy", errors.New("SQLITE_BUSY: database is locked"), true},
		{"locked message", errors.New("database is locked"), true},
		{"unrelated", errors.New("no such table: rows"), false},
		{"nil", nil, false},
	}
	d := SQLiteDialect{}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := d.IsSerializationFailure(c.err); got != c.want {
				t.Fatalf("IsSerializationFailure(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}
