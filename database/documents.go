package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/model"
	loadSql "github.com/siherrmann/tipper/sql"
)

// DocumentsDBHandlerFunctions defines the interface for indexed document database operations.
type DocumentsDBHandlerFunctions interface {
	UpsertDocuments(ctx context.Context, docs []*model.IndexedDocument) error
	SelectDocumentsByKeyword(ctx context.Context, collection string, terms []string, filter map[string]string, limit int) ([]*model.IndexedDocument, error)
	SelectDocumentsBySimilarity(ctx context.Context, collection string, embedding []float32, filter map[string]string, limit int) ([]*model.IndexedDocument, error)
	CountDocuments(ctx context.Context, collection string) (int, error)
	DeleteDocuments(ctx context.Context, collection string) (int, error)
}

// DocumentsDBHandler handles indexed document database operations
type DocumentsDBHandler struct {
	db *helper.Database
}

// NewDocumentsDBHandler creates a new documents database handler.
// It loads the document SQL functions and creates the table with the given embedding dimension.
// If force is true, it will reload the SQL functions even if they already exist.
func NewDocumentsDBHandler(db *helper.Database, embeddingDim int, force bool) (*DocumentsDBHandler, error) {
	if db == nil {
		return nil, helper.NewError("database connection validation", fmt.Errorf("database connection is nil"))
	}
	if embeddingDim <= 0 {
		return nil, helper.NewError("embedding dimension validation", fmt.Errorf("embedding dimension must be positive, got %d", embeddingDim))
	}

	documentsDbHandler := &DocumentsDBHandler{
		db: db,
	}

	err := loadSql.LoadDocumentsSql(documentsDbHandler.db.Instance, force)
	if err != nil {
		return nil, helper.NewError("load documents sql", err)
	}

	err = documentsDbHandler.CreateTable(embeddingDim)
	if err != nil {
		return nil, helper.NewError("create table", err)
	}

	db.Logger.Info("Initialized DocumentsDBHandler", "embedding_dim", embeddingDim)

	return documentsDbHandler, nil
}

// CreateTable creates the 'indexed_documents' table with its indexes if it does not exist.
func (h *DocumentsDBHandler) CreateTable(embeddingDim int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.db.Instance.ExecContext(ctx, `SELECT init_documents($1);`, embeddingDim)
	if err != nil {
		return helper.NewError("init documents", err)
	}

	h.db.Logger.Info("Checked/created table indexed_documents")

	return nil
}

// UpsertDocuments inserts or replaces documents in one transaction.
// Documents are identified by collection and id.
func (h *DocumentsDBHandler) UpsertDocuments(ctx context.Context, docs []*model.IndexedDocument) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := h.db.Instance.BeginTx(ctx, nil)
	if err != nil {
		return helper.NewError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, doc := range docs {
		var embedding interface{}
		if len(doc.Embedding) > 0 {
			embedding = pgvector.NewVector(doc.Embedding)
		}
		updatedAt := doc.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}

		row := tx.QueryRowContext(
			ctx,
			`SELECT * FROM upsert_document($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			doc.Collection,
			doc.ID,
			doc.Name,
			doc.Text,
			doc.Category,
			pq.Array(doc.Tags),
			doc.Metadata,
			embedding,
			updatedAt,
		)
		err := row.Scan(&doc.Collection, &doc.ID, &doc.UpdatedAt)
		if err != nil {
			return helper.NewError(fmt.Sprintf("upsert document %s", doc.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return helper.NewError("commit", err)
	}
	return nil
}

// SelectDocumentsByKeyword returns documents ranked by weighted term hits.
// The raw score is stored in KeywordScore.
func (h *DocumentsDBHandler) SelectDocumentsByKeyword(ctx context.Context, collection string, terms []string, filter map[string]string, limit int) ([]*model.IndexedDocument, error) {
	lowered := make([]string, 0, len(terms))
	for _, term := range terms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			lowered = append(lowered, term)
		}
	}
	if len(lowered) == 0 {
		return []*model.IndexedDocument{}, nil
	}

	filterParam, err := filterToJSON(filter)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_documents_by_keyword($1, $2, $3, $4)`,
		collection,
		pq.Array(lowered),
		filterParam,
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	var documents []*model.IndexedDocument
	for rows.Next() {
		doc, err := scanDocument(rows, func(doc *model.IndexedDocument) interface{} { return &doc.KeywordScore })
		if err != nil {
			return nil, err
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, helper.NewError("rows", err)
	}

	return documents, nil
}

// SelectDocumentsBySimilarity performs an L2 nearest-neighbour search.
// The distance is stored in Distance.
func (h *DocumentsDBHandler) SelectDocumentsBySimilarity(ctx context.Context, collection string, embedding []float32, filter map[string]string, limit int) ([]*model.IndexedDocument, error) {
	filterParam, err := filterToJSON(filter)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.Instance.QueryContext(
		ctx,
		`SELECT * FROM select_documents_by_similarity($1, $2, $3, $4)`,
		collection,
		pgvector.NewVector(embedding),
		filterParam,
		limit,
	)
	if err != nil {
		return nil, helper.NewError("query", err)
	}
	defer rows.Close()

	var documents []*model.IndexedDocument
	for rows.Next() {
		doc, err := scanDocument(rows, func(doc *model.IndexedDocument) interface{} { return &doc.Distance })
		if err != nil {
			return nil, err
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, helper.NewError("rows", err)
	}

	return documents, nil
}

// CountDocuments returns the number of documents in a collection
func (h *DocumentsDBHandler) CountDocuments(ctx context.Context, collection string) (int, error) {
	var count int
	err := h.db.Instance.QueryRowContext(ctx, `SELECT count_documents($1)`, collection).Scan(&count)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}
	return count, nil
}

// DeleteDocuments removes all documents of a collection and returns how many were deleted
func (h *DocumentsDBHandler) DeleteDocuments(ctx context.Context, collection string) (int, error) {
	var deleted int
	err := h.db.Instance.QueryRowContext(ctx, `SELECT delete_documents($1)`, collection).Scan(&deleted)
	if err != nil {
		return 0, helper.NewError("scan", err)
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner, last func(doc *model.IndexedDocument) interface{}) (*model.IndexedDocument, error) {
	doc := &model.IndexedDocument{}
	var embedding *pgvector.Vector
	err := row.Scan(
		&doc.Collection,
		&doc.ID,
		&doc.Name,
		&doc.Text,
		&doc.Category,
		pq.Array(&doc.Tags),
		&doc.Metadata,
		&embedding,
		&doc.UpdatedAt,
		last(doc),
	)
	if err != nil {
		return nil, helper.NewError("scan", err)
	}
	if embedding != nil {
		doc.Embedding = embedding.Slice()
	}
	return doc, nil
}

func filterToJSON(filter map[string]string) (interface{}, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(filter)
	if err != nil {
		return nil, helper.NewError("marshal filter", err)
	}
	return string(b), nil
}
