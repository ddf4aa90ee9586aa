package store

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

var schema = &squibble.Schema{
	Current: sqliteSchema,
}

// SQLite is the embedded single-file backend.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(ctx context.Context, fname string) (*SQLite, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// One connection only: under this driver every connection to :memory:
	// is a separate database, and a single writer avoids SQLITE_BUSY.
	sqldb.SetMaxOpenConns(1)
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &SQLite{db: sqldb}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) InsertPhotos(ctx context.Context, photos []Photo, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	start := 0
	affected := 0
	for start < len(photos) {
		end := min(start+batchSize, len(photos))

		qsb := strings.Builder{}
		qsb.WriteString("INSERT OR IGNORE INTO photos (id, image_url, title, filename, keywords) VALUES")
		values := make([]any, 0, batchSize*5)
		for idx, photo := range photos[start:end] {
			base := idx * 5
			qsb.WriteString(" ($")
			qsb.WriteString(strconv.Itoa(base + 1))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(base + 2))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(base + 3))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(base + 4))
			qsb.WriteString(",$")
			qsb.WriteString(strconv.Itoa(base + 5))
			qsb.WriteString("),")

			kw, err := encodeKeywords(photo.Keywords)
			if err != nil {
				return 0, err
			}
			values = append(values, photo.ID, photo.ImageURL, photo.Title, photo.Filename, kw)
		}
		queryString := qsb.String()

		// Remove trailing comma
		queryString = queryString[0 : len(queryString)-1]

		res, err := txn.ExecContext(ctx, queryString, values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, txn.Commit()
}

func (s *SQLite) Photo(ctx context.Context, id string) (*Photo, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, image_url, title, filename, keywords FROM photos WHERE id=$1", id)

	photo := &Photo{}
	var title, filename, keywords sql.NullString
	err := row.Scan(&photo.ID, &photo.ImageURL, &title, &filename, &keywords)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	photo.Title = title.String
	photo.Filename = filename.String
	if photo.Keywords, err = decodeKeywords(keywords); err != nil {
		return nil, err
	}
	return photo, nil
}

func (s *SQLite) UpsertMetadata(ctx context.Context, m *Metadata) error {
	kw, err := encodeKeywords(m.Keywords)
	if err != nil {
		return err
	}
	vec, err := encodeVector(m.Vector)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO ai_metadata
		(photo_id, description, keywords, provider, model, prompt, latency_seconds, vector, vector_model, approved, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (photo_id) DO UPDATE SET
			description=excluded.description,
			keywords=excluded.keywords,
			provider=excluded.provider,
			model=excluded.model,
			prompt=excluded.prompt,
			latency_seconds=excluded.latency_seconds,
			vector=excluded.vector,
			vector_model=excluded.vector_model,
			approved=excluded.approved,
			updated_at=excluded.updated_at
		RETURNING created_at, updated_at`,
		m.PhotoID, m.Description, kw, m.Provider, m.Model, nullable(m.Prompt),
		m.LatencySeconds, vec, nullable(m.VectorModel), m.Approved, now, now,
	)
	return row.Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (s *SQLite) Metadata(ctx context.Context, photoID string) (*Metadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT photo_id, description, keywords, provider, model, prompt,
			   latency_seconds, vector, vector_model, approved, created_at, updated_at
		FROM ai_metadata
		WHERE photo_id=$1`, photoID)

	m := &Metadata{}
	var keywords, prompt, vectorModel sql.NullString
	var blob []byte
	err := row.Scan(&m.PhotoID, &m.Description, &keywords, &m.Provider, &m.Model, &prompt,
		&m.LatencySeconds, &blob, &vectorModel, &m.Approved, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metadata for photo %s: %w", photoID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	m.Prompt = prompt.String
	m.VectorModel = vectorModel.String
	if m.Keywords, err = decodeKeywords(keywords); err != nil {
		return nil, err
	}
	if m.Vector, err = decodeVector(blob); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLite) Corpus(ctx context.Context, withVectors bool) ([]*Metadata, error) {
	vectorCol := "NULL"
	if withVectors {
		vectorCol = "m.vector"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
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
		var keywords, prompt, vectorModel sql.NullString
		var blob []byte
		var pid, pURL, pTitle, pFilename, pKeywords sql.NullString
		err := rows.Scan(&m.PhotoID, &m.Description, &keywords, &m.Provider, &m.Model, &prompt,
			&m.LatencySeconds, &blob, &vectorModel, &m.Approved, &m.CreatedAt, &m.UpdatedAt,
			&pid, &pURL, &pTitle, &pFilename, &pKeywords)
		if err != nil {
			return nil, fmt.Errorf("error scanning metadata corpus: %w", err)
		}
		m.Prompt = prompt.String
		m.VectorModel = vectorModel.String
		if m.Keywords, err = decodeKeywords(keywords); err != nil {
			return nil, err
		}
		if m.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		if pid.Valid {
			photo := &Photo{
				ID:       pid.String,
				ImageURL: pURL.String,
				Title:    pTitle.String,
				Filename: pFilename.String,
			}
			if photo.Keywords, err = decodeKeywords(pKeywords); err != nil {
				return nil, err
			}
			m.Photo = photo
		}
		corpus = append(corpus, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metadata corpus: %w", err)
	}

	return corpus, nil
}

func (s *SQLite) DeleteMetadata(ctx context.Context, photoID string) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	res, err := txn.ExecContext(ctx, "DELETE FROM ai_metadata WHERE photo_id=$1", photoID)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra == 0 {
		return fmt.Errorf("metadata for photo %s: %w", photoID, ErrNotFound)
	}

	// The photo leaves the queue entirely, back to the not-queued state.
	if _, err := txn.ExecContext(ctx, "DELETE FROM ai_queue WHERE photo_id=$1", photoID); err != nil {
		return err
	}

	return txn.Commit()
}

func (s *SQLite) SetApproved(ctx context.Context, photoID string, approved bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE ai_metadata SET approved=$1, updated_at=$2 WHERE photo_id=$3",
		approved, time.Now().UTC(), photoID)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra == 0 {
		return fmt.Errorf("metadata for photo %s: %w", photoID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) Enqueue(ctx context.Context, photoID string, priority int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO ai_queue (photo_id, status, priority, created_at, updated_at) VALUES (?,?,?,?,?)",
		photoID, string(StatusPending), priority, now, now)
	return err
}

func (s *SQLite) QueueItem(ctx context.Context, photoID string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT photo_id, status, priority, attempts, last_error, created_at, updated_at
		FROM ai_queue
		WHERE photo_id=$1`, photoID)

	item := &QueueItem{}
	var status string
	var lastError sql.NullString
	err := row.Scan(&item.PhotoID, &status, &item.Priority, &item.Attempts,
		&lastError, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item for photo %s: %w", photoID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	item.Status = Status(status)
	item.LastError = lastError.String
	return item, nil
}

func (s *SQLite) MarkProcessing(ctx context.Context, photoID string) error {
	return s.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE photo_id=$3 AND status=$4",
		string(StatusProcessing), time.Now().UTC(), photoID, string(StatusPending))
}

func (s *SQLite) MarkCompleted(ctx context.Context, photoID string) error {
	return s.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, last_error=NULL, updated_at=$2 WHERE photo_id=$3 AND status=$4",
		string(StatusCompleted), time.Now().UTC(), photoID, string(StatusProcessing))
}

func (s *SQLite) MarkFailed(ctx context.Context, photoID string, lastError string) error {
	return s.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, attempts=attempts+1, last_error=$2, updated_at=$3 WHERE photo_id=$4 AND status=$5",
		string(StatusFailed), lastError, time.Now().UTC(), photoID, string(StatusProcessing))
}

func (s *SQLite) Requeue(ctx context.Context, photoID string) error {
	return s.transition(ctx, photoID,
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE photo_id=$3 AND status IN ($4,$5)",
		string(StatusPending), time.Now().UTC(), photoID, string(StatusFailed), string(StatusCompleted))
}

// transition runs a conditional status update and converts a zero-row result
// into ErrNotFound or ErrConflict depending on what is actually there.
func (s *SQLite) transition(ctx context.Context, photoID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM ai_queue WHERE photo_id=$1", photoID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue item for photo %s: %w", photoID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("photo %s is %s: %w", photoID, status, ErrConflict)
}

func (s *SQLite) ClaimPending(ctx context.Context, limit int) ([]string, error) {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	rows, err := txn.QueryContext(ctx, `
		SELECT photo_id FROM ai_queue
		WHERE status=$1
		ORDER BY priority DESC, created_at ASC, photo_id ASC
		LIMIT $2`, string(StatusPending), limit)
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
	rows.Close()

	if len(ids) == 0 {
		return nil, txn.Commit()
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(StatusProcessing), time.Now().UTC())
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	query := fmt.Sprintf(
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE photo_id IN (%s)",
		strings.Join(placeholders, ","))
	if _, err := txn.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}

	return ids, txn.Commit()
}

func (s *SQLite) ResetFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE ai_queue SET status=$1, updated_at=$2 WHERE status=$3",
		string(StatusPending), time.Now().UTC(), string(StatusFailed))
	if err != nil {
		return 0, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(ra), nil
}

func (s *SQLite) QueueCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM ai_queue GROUP BY status")
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

// encodeKeywords stores a keyword list as JSON text, NULL when empty.
func encodeKeywords(keywords []string) (any, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(keywords)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeKeywords(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// encodeVector packs float32s big-endian, 4 bytes each.
func encodeVector(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	buf := &bytes.Buffer{}
	buf.Grow(len(vec) * 4)
	if err := binary.Write(buf, binary.BigEndian, vec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.BigEndian, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
