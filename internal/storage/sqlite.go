package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bdougie/scenewatch/internal/embeddings"
	"github.com/bdougie/scenewatch/internal/models"
)

// SQLite mirrors the description log into a local database so it can be
// queried without parsing the log file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at path
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	_, err = db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS descriptions (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            batch_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            image_url TEXT NOT NULL DEFAULT '',
            mode INTEGER NOT NULL,
            prompt TEXT NOT NULL,
            description TEXT NOT NULL,
            created_at TEXT NOT NULL,
            embedding BLOB
        )`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Append inserts one record
func (s *SQLite) Append(ctx context.Context, rec models.DescriptionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO descriptions
        (id, batch_id, filename, image_url, mode, prompt, description, created_at, embedding)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.BatchID, rec.Path, rec.ImageURL, rec.Mode, rec.Prompt, rec.Description,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), encodeVector(rec.Embedding))
	if err != nil {
		return fmt.Errorf("failed to store description: %w", err)
	}
	return nil
}

// Records returns all records in insertion order, embeddings included
func (s *SQLite) Records(ctx context.Context) ([]models.DescriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, filename, image_url, mode, prompt, description, created_at, embedding
        FROM descriptions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query descriptions: %w", err)
	}
	defer rows.Close()

	var out []models.DescriptionRecord
	for rows.Next() {
		var (
			rec     models.DescriptionRecord
			created string
			blob    []byte
		)
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.Path, &rec.ImageURL, &rec.Mode,
			&rec.Prompt, &rec.Description, &created, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan description: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", created, err)
		}
		rec.Embedding = decodeVector(blob)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SearchSimilar scans every stored embedding of the same width as vec and
// returns the limit closest by cosine similarity
func (s *SQLite) SearchSimilar(ctx context.Context, vec []float32, limit int) ([]SearchResult, error) {
	recs, err := s.Records(ctx)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, rec := range recs {
		if len(rec.Embedding) == 0 || len(rec.Embedding) != len(vec) {
			continue
		}
		results = append(results, SearchResult{Record: rec, Similarity: embeddings.Cosine(vec, rec.Embedding)})
	}
	slices.SortStableFunc(results, func(a, b SearchResult) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	if limit >= 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
