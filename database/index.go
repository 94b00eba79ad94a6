package database

import (
	"context"
	"fmt"
	"time"

	"github.com/siherrmann/tipper/helper"
)

// Vector index types supported by ChangeIndexType
const (
	IndexTypeHNSW    = "hnsw"
	IndexTypeIVFFlat = "ivfflat"
)

// ChangeIndexType replaces the vector index of the documents table.
// params are optional:
//   - hnsw: "m" (default 16), "ef_construction" (default 64)
//   - ivfflat: "lists" (default 100)
func (h *DocumentsDBHandler) ChangeIndexType(ctx context.Context, indexType string, params map[string]int) error {
	var createIndexSQL string
	switch indexType {
	case IndexTypeHNSW:
		m, efConstruction := 16, 64
		if v, ok := params["m"]; ok && v > 0 {
			m = v
		}
		if v, ok := params["ef_construction"]; ok && v > 0 {
			efConstruction = v
		}
		createIndexSQL = fmt.Sprintf(
			`CREATE INDEX idx_indexed_documents_embedding ON indexed_documents USING hnsw (embedding vector_l2_ops) WITH (m = %d, ef_construction = %d);`,
			m, efConstruction,
		)
	case IndexTypeIVFFlat:
		lists := 100
		if v, ok := params["lists"]; ok && v > 0 {
			lists = v
		}
		createIndexSQL = fmt.Sprintf(
			`CREATE INDEX idx_indexed_documents_embedding ON indexed_documents USING ivfflat (embedding vector_l2_ops) WITH (lists = %d);`,
			lists,
		)
	default:
		return helper.NewError("change index type", fmt.Errorf("unsupported index type: %s (use 'hnsw' or 'ivfflat')", indexType))
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	tx, err := h.db.Instance.BeginTx(ctx, nil)
	if err != nil {
		return helper.NewError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_indexed_documents_embedding;`); err != nil {
		return helper.NewError("drop index", err)
	}
	if _, err := tx.ExecContext(ctx, createIndexSQL); err != nil {
		return helper.NewError("create index", err)
	}
	if err := tx.Commit(); err != nil {
		return helper.NewError("commit", err)
	}

	h.db.Logger.Info("Changed vector index", "type", indexType, "params", params)

	return nil
}
