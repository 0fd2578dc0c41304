package vectordb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/reqforge/reqforge/engine/core"
)

// DB is the minimal pgx-compatible surface the store needs, satisfied by
// pgxpool.Pool and by pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore persists embedding records in Postgres with the pgvector extension.
type PGStore struct {
	db        DB
	dimension int
}

// NewPGStore wraps an existing pool. EnsureSchema must run once before use.
func NewPGStore(db DB, dimension int) (*PGStore, error) {
	if db == nil {
		return nil, errors.New("vectordb: db is required")
	}
	if dimension <= 0 {
		return nil, errors.New("vectordb: dimension must be greater than zero")
	}
	return &PGStore{db: db, dimension: dimension}, nil
}

// EnsureSchema creates the extension, tables, and index if missing.
func (p *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("vectordb: enable pgvector extension: %w", err)
	}
	createRecords := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kb_embeddings (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		model_family TEXT NOT NULL,
		dimension INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		chunk_offset INTEGER NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		source_updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (version, entity_type, entity_id, content_hash)
	)`, p.dimension)
	if _, err := p.db.Exec(ctx, createRecords); err != nil {
		return fmt.Errorf("vectordb: create kb_embeddings: %w", err)
	}
	createActive := `CREATE TABLE IF NOT EXISTS kb_active_versions (
		model_family TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		activated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`
	if _, err := p.db.Exec(ctx, createActive); err != nil {
		return fmt.Errorf("vectordb: create kb_active_versions: %w", err)
	}
	createIndex := "CREATE INDEX IF NOT EXISTS kb_embeddings_active_idx " +
		"ON kb_embeddings (model_family, is_active)"
	if _, err := p.db.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("vectordb: create active index: %w", err)
	}
	return nil
}

func (p *PGStore) Upsert(ctx context.Context, records []EmbeddingRecord) (inserted int, err error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, txErr := p.db.Begin(ctx)
	if txErr != nil {
		return 0, fmt.Errorf("vectordb: begin tx: %w", txErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("vectordb: rollback failed: %w; original error: %v", rbErr, err)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("vectordb: commit: %w", commitErr)
			inserted = 0
		}
	}()
	for i := range records {
		rec := records[i]
		if err = validateRecord(&rec); err != nil {
			return inserted, err
		}
		if len(rec.Vector) != p.dimension {
			return inserted, fmt.Errorf("vectordb: record %s: vector dimension %d does not match store dimension %d",
				rec.ID, len(rec.Vector), p.dimension)
		}
		query, args, buildErr := squirrel.Insert("kb_embeddings").
			Columns("id", "version", "model_family", "dimension", "entity_type", "entity_id",
				"chunk_index", "chunk_offset", "content", "content_hash", "embedding",
				"is_active", "source_updated_at").
			Values(rec.ID, rec.Version, rec.ModelFamily, len(rec.Vector),
				rec.Entity.Type, rec.Entity.ID, rec.ChunkIndex, rec.ChunkOffset,
				rec.Text, rec.Hash, pgvector.NewVector(rec.Vector),
				false, rec.SourceUpdatedAt).
			Suffix("ON CONFLICT (version, entity_type, entity_id, content_hash) DO NOTHING").
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if buildErr != nil {
			err = fmt.Errorf("vectordb: build upsert: %w", buildErr)
			return inserted, err
		}
		tag, execErr := tx.Exec(ctx, query, args...)
		if execErr != nil {
			err = fmt.Errorf("vectordb: upsert record %s: %w", rec.ID, execErr)
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ActivateVersion swaps the active set in a single transaction: every record
// of the version becomes active, everything else in the family is
// deactivated, and the family pointer moves.
func (p *PGStore) ActivateVersion(ctx context.Context, modelFamily, version string) (err error) {
	tx, txErr := p.db.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("vectordb: begin tx: %w", txErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("vectordb: rollback failed: %w; original error: %v", rbErr, err)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("vectordb: commit: %w", commitErr)
		}
	}()
	tag, execErr := tx.Exec(ctx,
		"UPDATE kb_embeddings SET is_active = (version = $1) WHERE model_family = $2",
		version, modelFamily)
	if execErr != nil {
		err = fmt.Errorf("vectordb: swap active set: %w", execErr)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("vectordb: version %q has no records for family %q", version, modelFamily)
		return err
	}
	if _, execErr = tx.Exec(ctx,
		`INSERT INTO kb_active_versions (model_family, version, activated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (model_family) DO UPDATE SET version = EXCLUDED.version, activated_at = NOW()`,
		modelFamily, version); execErr != nil {
		err = fmt.Errorf("vectordb: move active pointer: %w", execErr)
		return err
	}
	return nil
}

// ArchiveVersion deactivates the version's records and clears the family
// pointer when it referenced this version, in one transaction.
func (p *PGStore) ArchiveVersion(ctx context.Context, modelFamily, version string) (err error) {
	tx, txErr := p.db.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("vectordb: begin tx: %w", txErr)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("vectordb: rollback failed: %w; original error: %v", rbErr, err)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("vectordb: commit: %w", commitErr)
		}
	}()
	if _, execErr := tx.Exec(ctx,
		"UPDATE kb_embeddings SET is_active = FALSE WHERE model_family = $1 AND version = $2",
		modelFamily, version); execErr != nil {
		err = fmt.Errorf("vectordb: deactivate version: %w", execErr)
		return err
	}
	if _, execErr := tx.Exec(ctx,
		"DELETE FROM kb_active_versions WHERE model_family = $1 AND version = $2",
		modelFamily, version); execErr != nil {
		err = fmt.Errorf("vectordb: clear active pointer: %w", execErr)
		return err
	}
	return nil
}

func (p *PGStore) ActiveVersion(ctx context.Context, modelFamily string) (string, error) {
	var version string
	row := p.db.QueryRow(ctx,
		"SELECT version FROM kb_active_versions WHERE model_family = $1", modelFamily)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoActiveVersion
		}
		return "", fmt.Errorf("vectordb: read active version: %w", err)
	}
	return version, nil
}

type embeddingRow struct {
	ID              string    `db:"id"`
	Version         string    `db:"version"`
	ModelFamily     string    `db:"model_family"`
	Dimension       int       `db:"dimension"`
	EntityType      string    `db:"entity_type"`
	EntityID        string    `db:"entity_id"`
	ChunkIndex      int       `db:"chunk_index"`
	ChunkOffset     int       `db:"chunk_offset"`
	Content         string    `db:"content"`
	ContentHash     string    `db:"content_hash"`
	SourceUpdatedAt time.Time `db:"source_updated_at"`
	CreatedAt       time.Time `db:"created_at"`
	VectorScore     float64   `db:"vector_score"`
}

func (p *PGStore) Search(ctx context.Context, q *Query) ([]Candidate, error) {
	if q == nil {
		return nil, errors.New("vectordb: query is required")
	}
	if len(q.Vector) != p.dimension {
		return nil, fmt.Errorf("vectordb: query dimension %d does not match store dimension %d",
			len(q.Vector), p.dimension)
	}
	if _, err := p.ActiveVersion(ctx, q.ModelFamily); err != nil {
		return nil, err
	}
	builder := squirrel.Select(
		"id", "version", "model_family", "dimension", "entity_type", "entity_id",
		"chunk_index", "chunk_offset", "content", "content_hash",
		"source_updated_at", "created_at").
		Column(squirrel.Expr("1 - (embedding <=> ?) AS vector_score", pgvector.NewVector(q.Vector))).
		From("kb_embeddings").
		Where(squirrel.Eq{"model_family": q.ModelFamily, "is_active": true}).
		PlaceholderFormat(squirrel.Dollar)
	if len(q.EntityTypes) > 0 {
		builder = builder.Where(squirrel.Eq{"entity_type": q.EntityTypes})
	}
	if len(q.Terms) > 0 {
		or := squirrel.Or{}
		for _, term := range q.Terms {
			if term == "" {
				continue
			}
			or = append(or, squirrel.ILike{"content": "%" + term + "%"})
		}
		if len(or) > 0 {
			builder = builder.Where(or)
		}
	}
	builder = builder.OrderBy("vector_score DESC", "source_updated_at DESC")
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("vectordb: build search: %w", err)
	}
	var rows []embeddingRow
	if err := pgxscan.Select(ctx, p.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("vectordb: search: %w", err)
	}
	candidates := make([]Candidate, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		candidates = append(candidates, Candidate{
			Record: EmbeddingRecord{
				ID:              core.ID(row.ID),
				Version:         row.Version,
				ModelFamily:     row.ModelFamily,
				Dimension:       row.Dimension,
				Entity:          core.EntityRef{Type: row.EntityType, ID: row.EntityID},
				ChunkIndex:      row.ChunkIndex,
				ChunkOffset:     row.ChunkOffset,
				Text:            row.Content,
				Hash:            row.ContentHash,
				Active:          true,
				SourceUpdatedAt: row.SourceUpdatedAt,
				CreatedAt:       row.CreatedAt,
			},
			VectorScore: row.VectorScore,
		})
	}
	return candidates, nil
}

func (p *PGStore) CountVersion(ctx context.Context, modelFamily, version string) (int, error) {
	var count int
	row := p.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM kb_embeddings WHERE model_family = $1 AND version = $2",
		modelFamily, version)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("vectordb: count version: %w", err)
	}
	return count, nil
}

func (p *PGStore) Close(_ context.Context) error {
	return nil
}
