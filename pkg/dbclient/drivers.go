package dbclient

// Driver registration for the embedded DUT backend. The Postgres
// driver is registered through dialect.go's lib/pq import; sqlite only
// needs the side effect.
import (
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)
