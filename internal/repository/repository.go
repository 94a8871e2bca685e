// Package repository provides the SQL-backed analytical store.
package repository

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLRepository implements domain.Store using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db      *sql.DB
	driver  string
	dialect domain.Dialect
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Store, error) {
	var db *sql.DB
	var dialect domain.Dialect
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
		dialect = sqliteDialect{}
	case "postgres":
		db, err = openPostgres(cfg)
		dialect = postgresDialect{}
	default:
		return nil, fmt.Errorf("%w: unsupported driver: %s", domain.ErrConfiguration, cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:      db,
		driver:  cfg.Driver,
		dialect: dialect,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// FetchItems runs an arbitrary query and returns its rows as column maps in
// result order. []byte column values are converted to string.
func (r *SQLRepository) FetchItems(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
	}

	return result, nil
}

// Exec runs a statement that returns no rows.
func (r *SQLRepository) Exec(ctx context.Context, command string, args ...any) error {
	if _, err := r.db.ExecContext(ctx, r.rebind(command), args...); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
	}
	return nil
}

// TruncateRelation removes every row from the named relation.
func (r *SQLRepository) TruncateRelation(ctx context.Context, relation string) error {
	if err := domain.ValidateRelation(relation); err != nil {
		return err
	}
	return r.Exec(ctx, fmt.Sprintf("DELETE FROM %s", relation))
}

// InsertTransactions appends a batch to the named relation inside a single
// transaction.
func (r *SQLRepository) InsertTransactions(ctx context.Context, relation string, txns []domain.Transaction) error {
	if err := domain.ValidateRelation(relation); err != nil {
		return err
	}
	if len(txns) == 0 {
		return nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
	}
	defer dbTx.Rollback()

	query := fmt.Sprintf(
		"INSERT INTO %s (user_id, timestamp, merchant_name, amount) VALUES (?, ?, ?, ?)", relation)
	stmt, err := dbTx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
	}
	defer stmt.Close()

	for _, tx := range txns {
		if _, err := stmt.ExecContext(ctx, tx.UserID, tx.TimestampString(), tx.MerchantName, tx.Amount); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrQueryExecution, err)
	}
	return nil
}

// ListTransactions returns the full relation ordered by user and time.
func (r *SQLRepository) ListTransactions(ctx context.Context, relation string) ([]domain.Transaction, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT user_id, timestamp, merchant_name, amount FROM %s ORDER BY user_id, timestamp", relation)
	rows, err := r.FetchItems(ctx, query)
	if err != nil {
		return nil, err
	}

	txns := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := domain.TransactionFromRow(row)
		if err != nil {
			return nil, err
		}
		txns = append(txns, tx)
	}
	return txns, nil
}

// LoadCSV loads a transaction CSV into the named relation. The file must
// carry a header row naming user_id, timestamp, merchant_name and amount in
// any order.
func (r *SQLRepository) LoadCSV(ctx context.Context, path, relation string) (int, error) {
	if err := domain.ValidateRelation(relation); err != nil {
		return 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrDataIntegrity, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read CSV header: %v", domain.ErrDataIntegrity, err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[name] = i
	}
	for _, required := range []string{"user_id", "timestamp", "merchant_name", "amount"} {
		if _, ok := idx[required]; !ok {
			return 0, fmt.Errorf("%w: CSV missing column %q", domain.ErrDataIntegrity, required)
		}
	}

	var txns []domain.Transaction
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", domain.ErrDataIntegrity, err)
		}

		ts, err := domain.ParseTimestamp(record[idx["timestamp"]])
		if err != nil {
			return 0, err
		}
		amount, err := strconv.ParseFloat(record[idx["amount"]], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid amount %q: %v", domain.ErrDataIntegrity, record[idx["amount"]], err)
		}

		txns = append(txns, domain.Transaction{
			UserID:       record[idx["user_id"]],
			Timestamp:    ts,
			MerchantName: record[idx["merchant_name"]],
			Amount:       amount,
		})
	}

	if err := r.InsertTransactions(ctx, relation, txns); err != nil {
		return 0, err
	}
	return len(txns), nil
}

// Dialect returns the SQL dialect helpers for the active driver.
func (r *SQLRepository) Dialect() domain.Dialect {
	return r.dialect
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
