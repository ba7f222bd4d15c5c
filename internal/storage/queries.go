package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueryRepository handles synthesized document queries. The profiler fully
// rewrites a document's queries on every run, so the only write path is
// replace.
type QueryRepository struct {
	db DB
}

// NewQueryRepository creates a new query repository.
func NewQueryRepository(db DB) *QueryRepository {
	return &QueryRepository{db: db}
}

// ReplaceForDocument deletes a document's queries and inserts the new set.
func (r *QueryRepository) ReplaceForDocument(ctx context.Context, documentID string, queries []*DocumentQuery) error {
	if _, err := r.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}

	insert := `
		INSERT INTO document_queries (id, document_id, knowledge_base_id, query_text, query_embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	now := time.Now().UTC()
	for _, q := range queries {
		if q.ID == "" {
			q.ID = uuid.New().String()
		}
		q.CreatedAt = now
		if _, err := r.db.ExecContext(ctx, insert,
			q.ID, q.DocumentID, q.KnowledgeBaseID, q.QueryText, q.QueryEmbedding, q.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// ListByDocument retrieves a document's synthesized queries.
func (r *QueryRepository) ListByDocument(ctx context.Context, documentID string) ([]*DocumentQuery, error) {
	query := `
		SELECT id, document_id, knowledge_base_id, query_text, query_embedding, created_at
		FROM document_queries WHERE document_id = $1 ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DocumentQuery
	for rows.Next() {
		q := &DocumentQuery{}
		if err := rows.Scan(&q.ID, &q.DocumentID, &q.KnowledgeBaseID,
			&q.QueryText, &q.QueryEmbedding, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DeleteByDocument removes a document's queries.
func (r *QueryRepository) DeleteByDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM document_queries WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteByKnowledgeBase removes all queries in a knowledge base.
func (r *QueryRepository) DeleteByKnowledgeBase(ctx context.Context, kbID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM document_queries WHERE knowledge_base_id = $1`, kbID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AssociationRepository handles the denormalized participant and project
// rows the profiler derives for re-ranking.
type AssociationRepository struct {
	db DB
}

// NewAssociationRepository creates a new association repository.
func NewAssociationRepository(db DB) *AssociationRepository {
	return &AssociationRepository{db: db}
}

// ReplaceParticipants rewrites a document's participant rows.
func (r *AssociationRepository) ReplaceParticipants(ctx context.Context, documentID string, participants []*DocumentParticipant) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM document_participants WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	insert := `
		INSERT INTO document_participants (id, document_id, name, role)
		VALUES ($1, $2, $3, $4)
	`
	for _, p := range participants {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if _, err := r.db.ExecContext(ctx, insert, p.ID, documentID, p.Name, p.Role); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceProjects rewrites a document's project rows.
func (r *AssociationRepository) ReplaceProjects(ctx context.Context, documentID string, projects []*DocumentProject) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM document_projects WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	insert := `
		INSERT INTO document_projects (id, document_id, project_name)
		VALUES ($1, $2, $3)
	`
	for _, p := range projects {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if _, err := r.db.ExecContext(ctx, insert, p.ID, documentID, p.ProjectName); err != nil {
			return err
		}
	}
	return nil
}

// DeleteByDocument removes a document's participant and project rows.
func (r *AssociationRepository) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM document_participants WHERE document_id = $1`, documentID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM document_projects WHERE document_id = $1`, documentID)
	return err
}

// DeleteByKnowledgeBase removes association rows for every document in a
// knowledge base.
func (r *AssociationRepository) DeleteByKnowledgeBase(ctx context.Context, kbID string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM document_participants
		WHERE document_id IN (SELECT id FROM documents WHERE knowledge_base_id = $1)`,
		kbID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM document_projects
		WHERE document_id IN (SELECT id FROM documents WHERE knowledge_base_id = $1)`,
		kbID)
	return err
}
