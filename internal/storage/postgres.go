package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/scenewatch/internal/models"
)

// Postgres stores description records with their batch embedding in a
// pgvector column
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and creates the schema. dim fixes the
// embedding column width; 0 leaves it unconstrained and skips the index.
func NewPostgres(ctx context.Context, dsn string, dim int) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	err = InitSchema(ctx, conn.Conn(), dim)
	conn.Release()
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// InitSchema creates the vector extension, table and indexes if missing
func InitSchema(ctx context.Context, conn *pgx.Conn, dim int) error {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for vector extension: %w", err)
	}
	if !exists {
		if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			return fmt.Errorf("failed to create vector extension: %w", err)
		}
	}

	column := "vector"
	if dim > 0 {
		column = fmt.Sprintf("vector(%d)", dim)
	}
	_, err = conn.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS descriptions (
            seq BIGSERIAL PRIMARY KEY,
            id TEXT NOT NULL UNIQUE,
            batch_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            image_url TEXT NOT NULL DEFAULT '',
            mode INTEGER NOT NULL,
            prompt TEXT NOT NULL,
            description TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            embedding %s
        );
        CREATE INDEX IF NOT EXISTS idx_descriptions_created_at ON descriptions(created_at);
    `, column))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	if dim > 0 {
		_, err = conn.Exec(ctx,
			"CREATE INDEX IF NOT EXISTS idx_descriptions_embedding ON descriptions USING hnsw (embedding vector_cosine_ops)")
		if err != nil {
			return fmt.Errorf("failed to create database indexes: %w", err)
		}
	}
	return nil
}

// Append inserts one record
func (s *Postgres) Append(ctx context.Context, rec models.DescriptionRecord) error {
	var emb *pgvector.Vector
	if len(rec.Embedding) > 0 {
		v := pgvector.NewVector(rec.Embedding)
		emb = &v
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO descriptions
        (id, batch_id, filename, image_url, mode, prompt, description, created_at, embedding)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.BatchID, rec.Path, rec.ImageURL, rec.Mode, rec.Prompt, rec.Description, rec.Timestamp, emb)
	if err != nil {
		return fmt.Errorf("failed to store description: %w", err)
	}
	return nil
}

// Records returns all records in insertion order
func (s *Postgres) Records(ctx context.Context) ([]models.DescriptionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, filename, image_url, mode, prompt, description, created_at
        FROM descriptions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query descriptions: %w", err)
	}
	defer rows.Close()

	var out []models.DescriptionRecord
	for rows.Next() {
		var rec models.DescriptionRecord
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.Path, &rec.ImageURL, &rec.Mode,
			&rec.Prompt, &rec.Description, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan description: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchSimilar finds the records whose batch embedding is closest to vec
func (s *Postgres) SearchSimilar(ctx context.Context, vec []float32, limit int) ([]SearchResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, filename, image_url, mode, prompt, description, created_at,
        1 - (embedding <=> $1) AS similarity
        FROM descriptions
        WHERE embedding IS NOT NULL
        ORDER BY embedding <=> $1
        LIMIT $2`,
		pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar descriptions: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Record.ID, &r.Record.BatchID, &r.Record.Path, &r.Record.ImageURL,
			&r.Record.Mode, &r.Record.Prompt, &r.Record.Description, &r.Record.Timestamp,
			&r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Close closes the connection pool
func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
