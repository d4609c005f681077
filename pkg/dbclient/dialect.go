package dbclient

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// postgresSerializationCodes are the SQLSTATE codes treated as a
// uniform SerializationFailure: serialization_failure and the
// lock_not_available equivalent.
var postgresSerializationCodes = map[string]bool{
	"40001": true, // serialization_failure
	"55P03": true, // lock_not_available
}

// PostgresDialect recognizes the Postgres wire-protocol family (Postgres
// itself and any Postgres-compatible DUT speaking the same SQLSTATE set).
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return postgresSerializationCodes[string(pqErr.Code)]
	}
	return false
}

// SQLiteDialect recognizes modernc.org/sqlite's busy/locked conditions as
// the concurrency-conflict signal; sqlite has no native SSI, so a second
// writer hitting a locked database is the closest analogue to a
// serialization failure the engine exposes.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
