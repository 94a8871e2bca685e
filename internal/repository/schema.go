package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    user_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    merchant_name TEXT NOT NULL,
    amount REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_user_time ON transactions(user_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_merchant ON transactions(user_id, merchant_name);
`

// AllSchemas returns every schema statement in creation order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
	}
}
