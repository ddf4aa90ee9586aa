package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

const defaultVectorDims = 512

// Postgres is the shared-database backend. Vectors live in a pgvector
// column with an HNSW index so other services can run ANN queries against
// the same data.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func OpenPostgres(ctx context.Context, dsn string, dims int) (*Postgres, error) {
	if dims <= 0 {
		dims = defaultVectorDims
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, dims int) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS photos (
			id        TEXT PRIMARY KEY,
			image_url TEXT NOT NULL,
			title     TEXT,
			filename  TEXT,
			keywords  TEXT[]
		);

		CREATE TABLE IF NOT EXISTS ai_metadata (
			photo_id        TEXT PRIMARY KEY,
			description     TEXT NOT NULL,
			keywords        TEXT[],
			provider        TEXT NOT NULL,
			model           TEXT NOT NULL,
			prompt          TEXT,
			latency_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			vector          vector(%d),
			vector_model    TEXT,
			approved        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS ai_metadata_vector_idx
			ON ai_metadata USING hnsw (vector vector_cosine_ops);

		CREATE TABLE IF NOT EXISTS ai_queue (
			photo_id   TEXT PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT 'pending',
			priority   INTEGER NOT NULL DEFAULT 0,
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS ai_queue_claim_idx
			ON ai_queue (status, priority DESC, created_at);
	`, dims))
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) InsertPhotos(ctx context.Context, photos []Photo, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	affected := 0
	for start := 0; start < len(photos); start += batchSize {
		end := min(start+batchSize, len(photos))

		b := &pgx.Batch{}
		for _, photo := range photos[start:end] {
			b.Queue(`
				INSERT INTO photos (id, image_url, title, filename, keywords)
				VALUES ($1,$2,$3,$4,$5)
				ON CONFLICT (id) DO NOTHING`,
				photo.ID, photo.ImageURL, nullable(photo.Title), nullable(photo.Filename), photo.Keywords)
		}

		results := p.pool.SendBatch(ctx, b)
		for range photos[start:end] {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return affected, err
			}
			affected += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			return affected, err
		}
	}

	return affected, nil
}

func (p *Postgres) Photo(ctx context.Context, id string) (*Photo, error) {
	photo := &Photo{}
	var title, filename *string
	err := p.pool.QueryRow(ctx,
		"SELECT id, image_url, title, filename, keywords FROM photos WHERE id=$1", id).
		Scan(&photo.ID, &photo.ImageURL, &title, &filename, &photo.Keywords)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if title != nil {
		photo.Title = *title
	}
	if filename != nil {
		photo.Filename = *filename
	}
	return photo, nil
}

func (p *Postgres) UpsertMetadata(ctx context.Context, m *Metadata) error {
	now := time.Now().UTC()
	row := p.pool.QueryRow(ctx, `
		INSERT INTO ai_metadata
		(photo_id, description, keywords, provider, model, prompt, latency_seconds, vector, vector_model, approved, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (photo_id) DO UPDATE SET
			description=EXCLUDED.description,
			keywords=EXCLUDED.keywords,
			provider=EXCLUDED.provider,
			model=EXCLUDED.model,
			prompt=EXCLUDED.prompt,
			latency_seconds=EXCLUDED.latency_seconds,
			vector=EXCLUDED.vector,
			vector_model=EXCLUDED.vector_model,
			approved=EXCLUDED.approved,
			updated_at=EXCLUDED.updated_at
		RETURNING created_at, updated_at`,
		m.PhotoID, m.Description, m.Keywords, m.Provider, m.Model, nullable(m.Prompt),
		m.LatencySeconds, vectorParam(m.Vector), nullable(m.VectorModel), m.Approved, now, now)
	return row.Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (p *Postgres) Metadata(ctx context.Context, photoID string) (*Metadata, error) {
	m := &Metadata{}
	var prompt, vectorModel *string
	var vec *pgvector.Vector
	err := p.pool.QueryRow(ctx, `
		SELECT photo_id, description, keywords, provider, model, prompt,
			   latency_seconds, vector, vector_model, approved, created_at, updated_at
		FROM ai_metadata
		WHERE photo_id=$1`, photoID).
		Scan(&m.PhotoID, &m.Description, &m.Keywords, &m.Provider, &m.Model, &prompt,
			&m.LatencySeconds, &vec, &vectorModel, &m.Approved, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("metadata for photo %s: %w", photoID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if prompt != nil {
		m.Prompt = *prompt
	}
	if vectorModel != nil {
		m.VectorModel = *vectorModel
	}
	if vec != nil {
		m.Vector = vec.Slice()
	}
	return m, nil
}

func (p *Postgres) Corpus(ctx context.Context, withVectors bool) ([]*Metadata, error) {
	vectorCol := "NULL::vector"
	if withVectors {
		vectorCol = "m.vector"
	}
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT m.photo_id, m.description, m.keywords, m.provider, m.model, m.prompt,
			   m.latency_seconds, %s, m.vector_model, m.approved, m.created_at, m.updated_at,
			   p.id, p.image_url, p.title, p.filename, p.keywords
		FROM ai_metadata m
		LEFT JOIN photos p ON m.photo_id=p.id
		ORDER BY m.photo_id`, vectorCol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var corpus []*Metadata
	for rows.Next() {
		m := &Metadata{}
		var prompt, vectorModel *string
		var vec *pgvector.Vector
		var pid, pURL, pTitle, pFilename *string
		var pKeywords []string
		err := rows.Scan(&m.PhotoID, &m.Description, &m.Keywords, &m.Provider, &m.Model, &prompt,
			&m.LatencySeconds, &vec, &vectorModel, &m.Approved, &m.CreatedAt, &m.UpdatedAt,
			&pid, &pURL, &pTitle, &pFilename, &pKeywords)
		if err != nil {
			return nil, fmt.Errorf("error scanning metadata corpus: %w", err)
		}
		if prompt != nil {
			m.Prompt = *prompt
		}
		if vectorModel != nil {
			m.VectorModel = *vectorModel
		}
		if vec != nil {
			m.Vector = vec.Slice()
		}
		if pid != nil {
			photo := &Photo{ID: *pid, Keywords: pKeywords}
			if pURL != nil {
				photo.ImageURL = *pURL
			}
			if pTitle != nil {
				photo.Title = *pTitle
			}
			if pFilename != nil {
				photo.Filename = *pFilename
			}
			m.Photo = photo
		}
		corpus = append(corpus, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metadata corpus: %w", err)
	}

	return corpus, nil
}

func (p *Postgres) DeleteMetadata(ctx context.Context, photoID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM ai_metadata WHERE photo_id=$1", photoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("metadata for photo %s: %w", photoID, ErrNotFound)
	}

	// The photo leaves the queue entirely, back to the not-queued state.
	if _, err := tx.Exec(ctx, "DELETE FROM ai_queue WHERE photo_id=$1", photoID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (p *Postgres) SetApproved(ctx context.Context, photoID string, approved bool) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE ai_metadata SET approved=$1, updated_at=$2 WHERE photo_id=$3",
		approved, time.Now().UTC(), photoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("metadata for photo %s: %w", photoID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, photoID string, priority int) error {
	now := time.Now().UTC()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ai_queue (photo_id, status, priority, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (photo_id) DO NOTHING`,
		photoID, string(StatusPending), priority, now)
	return err
}

func (p *Postgres) QueueItem(ctx context.Context, photoID string) (*QueueItem, error) {
	item := &QueueItem{}
	var status string
	var lastError *string
	err := p.pool.QueryRow(ctx, `
		SELECT photo_id, status, priority, attempts, last_error, created_at, updated_at
		FROM ai_queue
		WHERE photo_id=$1`, photoID).
		Scan(&item.PhotoID, &status, &item.Priority, &item.Attempts,
			&lastError, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("queue item for photo %s: %w", photoID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	item.Status = Status(status)
	if lastError != nil {
		item.LastError = *lastError
	}
	return item, nil
}

func (p *Postgres) MarkProcessing(ctx context.Context, photoID string) error {
	return p.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE photo_id=$3 AND status=$4",
		string(StatusProcessing), time.Now().UTC(), photoID, string(StatusPending))
}

func (p *Postgres) MarkCompleted(ctx context.Context, photoID string) error {
	return p.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, last_error=NULL, updated_at=$2 WHERE photo_id=$3 AND status=$4",
		string(StatusCompleted), time.Now().UTC(), photoID, string(StatusProcessing))
}

func (p *Postgres) MarkFailed(ctx context.Context, photoID string, lastError string) error {
	return p.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, attempts=attempts+1, last_error=$2, updated_at=$3 WHERE photo_id=$4 AND status=$5",
		string(StatusFailed), lastError, time.Now().UTC(), photoID, string(StatusProcessing))
}

func (p *Postgres) Requeue(ctx context.Context, photoID string) error {
	return p.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE photo_id=$3 AND status IN ($4,$5)",
		string(StatusPending), time.Now().UTC(), photoID, string(StatusFailed), string(StatusCompleted))
}

func (p *Postgres) transition(ctx context.Context, photoID, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = p.pool.QueryRow(ctx, "SELECT status FROM ai_queue WHERE photo_id=$1", photoID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("queue item for photo %s: %w", photoID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("photo %s is %s: %w", photoID, status, ErrConflict)
}

func (p *Postgres) ClaimPending(ctx context.Context, limit int) ([]string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT photo_id FROM ai_queue
		WHERE status=$1
		ORDER BY priority DESC, created_at ASC, photo_id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, string(StatusPending), limit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE photo_id = ANY($3)",
		string(StatusProcessing), time.Now().UTC(), ids)
	if err != nil {
		return nil, err
	}

	return ids, tx.Commit(ctx)
}

func (p *Postgres) ResetFailed(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx,
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE status=$3",
		string(StatusPending), time.Now().UTC(), string(StatusFailed))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) QueueCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := p.pool.Query(ctx, "SELECT status, COUNT(*) FROM ai_queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func vectorParam(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}
