package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/studyreel/internal/models"
)

// DocumentSummaries returns the stored summaries of an owner's documents in
// the order the ids were given. Unknown ids and empty summaries are skipped.
func (db *DB) DocumentSummaries(ctx context.Context, ownerID string, ids []string) ([]models.DocumentSummary, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := `SELECT id, filename, summary FROM documents WHERE owner_id = ? AND id IN (` + placeholders + `)`

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.DocumentSummary, len(ids))
	for rows.Next() {
		var d models.DocumentSummary
		if err := rows.Scan(&d.ID, &d.Filename, &d.Summary); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.DocumentSummary, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok && strings.TrimSpace(d.Summary) != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// PutDocumentSummary upserts a document summary. Ingestion owns this table;
// the method exists for seeding and tests.
func (db *DB) PutDocumentSummary(ctx context.Context, ownerID string, doc models.DocumentSummary) error {
	query := `
		INSERT INTO documents (id, owner_id, filename, summary, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET filename = excluded.filename, summary = excluded.summary
	`
	_, err := db.ExecContext(ctx, db.rebind(query),
		doc.ID, ownerID, doc.Filename, doc.Summary, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save document summary: %w", err)
	}
	return nil
}
