package domain

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Store is the analytical backing store used for push-down execution.
// Push-down checkers run grouping, windowing, and statistics inside the store
// instead of over the in-memory batch.
type Store interface {
	// FetchItems runs a query and returns its rows in order, each row a
	// mapping from column name to value.
	FetchItems(ctx context.Context, query string, args ...any) ([]map[string]any, error)

	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, command string, args ...any) error

	// LoadCSV loads a delimited file into the named relation and returns the
	// number of rows inserted.
	LoadCSV(ctx context.Context, path, relation string) (int, error)

	// InsertTransactions appends a batch to the named relation.
	InsertTransactions(ctx context.Context, relation string, txns []Transaction) error

	// TruncateRelation removes every row from the named relation. Scans
	// over a persistent store call this before loading a fresh batch so
	// lifetime counts and window baselines reflect only that batch.
	TruncateRelation(ctx context.Context, relation string) error

	// ListTransactions returns the full relation ordered by user and time.
	ListTransactions(ctx context.Context, relation string) ([]Transaction, error)

	// Dialect exposes the SQL dialect helpers for the active driver.
	Dialect() Dialect

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Dialect abstracts the SQL expressions that differ between the supported
// drivers. Checkers use it when building push-down queries.
type Dialect interface {
	// Name returns the driver name ("sqlite" or "postgres").
	Name() string

	// HourExpr returns an expression yielding the hour-of-day (0-23) of a
	// timestamp column.
	HourExpr(col string) string

	// EpochExpr returns an expression yielding the timestamp column as whole
	// seconds since the Unix epoch, usable in window frame ordering.
	EpochExpr(col string) string
}

var relationNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateRelation rejects relation names that cannot be safely interpolated
// into a query. Relation names are configuration, not user data, but the
// compiler never interpolates anything it has not checked.
func ValidateRelation(name string) error {
	if !relationNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid relation name %q", ErrConfiguration, name)
	}
	return nil
}

// RepositoryConfig holds configuration for store initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
