package shareindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers the "sqlite3" driver; FTS5 is compiled in via the
	// fts5 build tag passed at build time.
	_ "github.com/mattn/go-sqlite3"
)

// openFTSDatabase creates (or replaces) the portable share-index database at
// path, with a single fts5 virtual table over the masked filename. The
// caller owns closing the returned handle.
func openFTSDatabase(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal=WAL")
	if err != nil {
		return nil, fmt.Errorf("open share index database: %w", err)
	}
	db.SetMaxOpenConns(1) // the writer holds exclusive access during a Fill

	const schema = `
DROP TABLE IF EXISTS fts_entries;
CREATE VIRTUAL TABLE fts_entries USING fts5(
	filename,
	masked UNINDEXED,
	host UNINDEXED
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create fts schema: %w", err)
	}
	return db, nil
}

// insertEntry adds one file's tokens to the FTS table inside an open Fill
// transaction.
func insertEntry(ctx context.Context, tx *sql.Tx, host, masked string, tokens []string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO fts_entries (filename, masked, host) VALUES (?, ?, ?)`,
		strings.Join(tokens, " "), masked, host)
	return err
}

// searchFTS runs a sanitized, space-joined MATCH query and returns the
// distinct masked paths it finds.
func searchFTS(ctx context.Context, db *sql.DB, sanitized string) ([]string, error) {
	terms := strings.Fields(strings.ToLower(sanitized))
	if len(terms) == 0 {
		return nil, nil
	}
	match := strings.Join(terms, " ")

	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT masked FROM fts_entries WHERE fts_entries MATCH ?`, match)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var masked string
		if err := rows.Scan(&masked); err != nil {
			return nil, err
		}
		out = append(out, masked)
	}
	return out, rows.Err()
}
