package sql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const loadTimeout = 30 * time.Second

//go:embed init.sql
var initSQL string

//go:embed documents.sql
var documentsSQL string

// DocumentFunctions are the stored functions the document store calls
var DocumentFunctions = []string{
	"init_documents",
	"upsert_document",
	"select_documents_by_keyword",
	"select_documents_by_similarity",
	"count_documents",
	"delete_documents",
}

// Init creates the pgvector extension. It is safe to call repeatedly.
func Init(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, initSQL); err != nil {
		return fmt.Errorf("create extensions: %w", err)
	}
	return nil
}

// LoadDocumentsSql defines the document functions unless all of them exist.
// force redefines them regardless.
func LoadDocumentsSql(db *sql.DB, force bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	if !force {
		missing, err := MissingFunctions(ctx, db, DocumentFunctions)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
	}

	if _, err := db.ExecContext(ctx, documentsSQL); err != nil {
		return fmt.Errorf("define document functions: %w", err)
	}

	missing, err := MissingFunctions(ctx, db, DocumentFunctions)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("document functions missing after load: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MissingFunctions returns the names of functions not defined in the database, sorted
func MissingFunctions(ctx context.Context, db *sql.DB, functions []string) ([]string, error) {
	rows, err := db.QueryContext(
		ctx,
		`SELECT name FROM unnest($1::text[]) AS name
		WHERE NOT EXISTS (SELECT 1 FROM pg_proc WHERE proname = name)
		ORDER BY name;`,
		pq.Array(functions),
	)
	if err != nil {
		return nil, fmt.Errorf("query functions: %w", err)
	}
	defer rows.Close()

	missing := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan function name: %w", err)
		}
		missing = append(missing, name)
	}
	return missing, rows.Err()
}
