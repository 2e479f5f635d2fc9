package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-attendance/internal/config"
)

// TemplateRepository persists face templates in PostgreSQL with pgvector.
// It is the durable backing of the in-memory Store: templates are written
// through on enrollment and loaded back at startup to seed the index.
type TemplateRepository struct {
	db  *sql.DB
	dim int
}

// OpenPostgres opens a pooled PostgreSQL connection.
func OpenPostgres(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg.PostgresURL == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool.
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewTemplateRepository creates a repository and ensures its schema exists.
func NewTemplateRepository(ctx context.Context, db *sql.DB, dim int) (*TemplateRepository, error) {
	r := &TemplateRepository{db: db, dim: dim}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *TemplateRepository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("creating vector extension: %w", err)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS face_templates (
			id UUID PRIMARY KEY,
			identity TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			quality DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, r.dim))
	if err != nil {
		return fmt.Errorf("creating face_templates table: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS face_templates_identity_idx ON face_templates (identity)")
	if err != nil {
		return fmt.Errorf("creating identity index: %w", err)
	}
	return nil
}

// SaveTemplate stores a single template.
func (r *TemplateRepository) SaveTemplate(ctx context.Context, tmpl *Template) error {
	vec := pgvector.NewVector(tmpl.Embedding)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO face_templates (id, identity, embedding, quality, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, tmpl.ID, tmpl.Identity, vec, tmpl.Quality, tmpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving template: %w", err)
	}
	return nil
}

// DeleteIdentity removes all templates for an identity and reports how many
// rows were deleted.
func (r *TemplateRepository) DeleteIdentity(ctx context.Context, identity string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM face_templates WHERE identity = $1", identity)
	if err != nil {
		return 0, fmt.Errorf("deleting templates: %w", err)
	}
	return res.RowsAffected()
}

// LoadAll streams every stored template, used to rebuild the in-memory index
// at startup.
func (r *TemplateRepository) LoadAll(ctx context.Context) ([]Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity, embedding, quality, created_at
		FROM face_templates
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		var tmpl Template
		var vec pgvector.Vector
		if err := rows.Scan(&tmpl.ID, &tmpl.Identity, &vec, &tmpl.Quality, &tmpl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		tmpl.Embedding = vec.Slice()
		templates = append(templates, tmpl)
	}

	return templates, rows.Err()
}

// FindSimilar finds the closest templates by cosine distance on the SQL side.
// Kept as a fallback query path for deployments that skip the in-memory index.
func (r *TemplateRepository) FindSimilar(ctx context.Context, embedding []float32, limit int) ([]Candidate, error) {
	vec := pgvector.NewVector(embedding)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity, 1 - (embedding <=> $1) AS similarity
		FROM face_templates
		ORDER BY embedding <=> $1
		LIMIT $2
	`, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.TemplateID, &c.Identity, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}
