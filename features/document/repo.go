package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type Repository interface {
	EnsureSource(ctx context.Context, uri, sourceType string) (*Source, error)
	InsertDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	UpdateStatus(ctx context.Context, id, status string) error

	ApplyChunks(ctx context.Context, documentID string, texts []string, now time.Time) (*ChunkDiff, error)
	CurrentChunks(ctx context.Context, documentID string) ([]Chunk, error)
	CurrentChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error)
	CurrentChunkIDs(ctx context.Context) ([]string, error)

	CountDocuments(ctx context.Context) (int, error)
	CountCurrentChunks(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) EnsureSource(ctx context.Context, uri, sourceType string) (*Source, error) {
	s := &Source{URI: uri, SourceType: sourceType}
	// The no-op DO UPDATE makes RETURNING yield the row on conflict too.
	query := `INSERT INTO sources (uri, source_type) VALUES ($1, $2)
		ON CONFLICT (uri) DO UPDATE SET uri = EXCLUDED.uri
		RETURNING id, chunk_set_version`
	err := r.db.QueryRowContext(ctx, query, uri, sourceType).Scan(&s.ID, &s.ChunkSetVersion)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) InsertDocument(ctx context.Context, doc *Document) error {
	query := `INSERT INTO documents (id, source_id, source_type, fetched_at, raw_content_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.SourceID, doc.SourceType, doc.FetchedAt, doc.RawContentHash, StatusPending)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: document %s", ErrUnchanged, doc.ID)
	}
	doc.Status = StatusPending
	return nil
}

func (r *PostgresRepo) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	query := `SELECT d.id, d.source_id, s.uri, d.source_type, d.fetched_at, d.raw_content_hash, d.status
		FROM documents d JOIN sources s ON s.id = d.source_id
		WHERE d.id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.SourceID, &doc.SourceURI, &doc.SourceType, &doc.FetchedAt, &doc.RawContentHash, &doc.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *PostgresRepo) ListDocuments(ctx context.Context) ([]Document, error) {
	query := `SELECT d.id, d.source_id, s.uri, d.source_type, d.fetched_at, d.raw_content_hash, d.status
		FROM documents d JOIN sources s ON s.id = d.source_id
		ORDER BY d.fetched_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.SourceID, &d.SourceURI, &d.SourceType, &d.FetchedAt, &d.RawContentHash, &d.Status); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id, status string) error {
	query := `UPDATE documents SET status = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, status, id)
	return err
}

// ApplyChunks diffs the proposed chunk texts against the source's current
// chunk set and commits the whole diff in one transaction. The guarded
// version bump on sources serializes concurrent callers: losing the race
// returns ErrConflict and nothing is written.
func (r *PostgresRepo) ApplyChunks(ctx context.Context, documentID string, texts []string, now time.Time) (*ChunkDiff, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var sourceID string
	var setVersion int64
	query := `SELECT d.source_id, s.chunk_set_version FROM documents d
		JOIN sources s ON s.id = d.source_id WHERE d.id = $1`
	err = tx.QueryRowContext(ctx, query, documentID).Scan(&sourceID, &setVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sources SET chunk_set_version = chunk_set_version + 1 WHERE id = $1 AND chunk_set_version = $2`,
		sourceID, setVersion)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: source %s", ErrConflict, sourceID)
	}

	current, err := currentChunksTx(ctx, tx, sourceID)
	if err != nil {
		return nil, err
	}
	byPosition := make(map[int]Chunk, len(current))
	for _, c := range current {
		byPosition[c.Position] = c
	}

	diff := &ChunkDiff{}
	for pos, chunkText := range texts {
		hash := ContentHash(chunkText)
		prior, exists := byPosition[pos]
		if exists && prior.ContentHash == hash {
			diff.Unchanged = append(diff.Unchanged, prior)
			continue
		}

		next := Chunk{
			ID:          ChunkID(documentID, pos, chunkText),
			DocumentID:  documentID,
			SourceID:    sourceID,
			Position:    pos,
			Text:        chunkText,
			ContentHash: hash,
			Version:     1,
			ValidFrom:   now,
		}
		if exists {
			next.Version = prior.Version + 1
			next.Supersedes = prior.ID
			if err := closeChunkTx(ctx, tx, prior.ID, now); err != nil {
				return nil, err
			}
			closed := prior
			closed.ValidTo = &now
			diff.Superseded = append(diff.Superseded, closed)
		}

		var supersedes sql.NullString
		if next.Supersedes != "" {
			supersedes = sql.NullString{String: next.Supersedes, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, source_id, position, text, content_hash, version, supersedes, valid_from)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			next.ID, next.DocumentID, next.SourceID, next.Position, next.Text,
			next.ContentHash, next.Version, supersedes, next.ValidFrom)
		if err != nil {
			return nil, err
		}
		diff.New = append(diff.New, next)
	}

	// Lineages past the end of the new chunk set close with no successor.
	for pos, prior := range byPosition {
		if pos < len(texts) {
			continue
		}
		if err := closeChunkTx(ctx, tx, prior.ID, now); err != nil {
			return nil, err
		}
		closed := prior
		closed.ValidTo = &now
		diff.Superseded = append(diff.Superseded, closed)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = $1 WHERE id = $2`, StatusNormalized, documentID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return diff, nil
}

func closeChunkTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE chunks SET valid_to = $1 WHERE id = $2 AND valid_to IS NULL`, now, id)
	return err
}

const chunkColumns = `c.id, c.document_id, c.source_id, s.uri, c.position, c.text, c.content_hash, c.version, c.supersedes, c.valid_from, c.valid_to`

func currentChunksTx(ctx context.Context, tx *sql.Tx, sourceID string) ([]Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.source_id = $1 AND c.valid_to IS NULL ORDER BY c.position`
	rows, err := tx.QueryContext(ctx, query, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// CurrentChunks returns every chunk with an open validity window,
// optionally restricted to one document (empty id means all).
func (r *PostgresRepo) CurrentChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.valid_to IS NULL ORDER BY c.source_id, c.position`
	args := []any{}
	if documentID != "" {
		query = `SELECT ` + chunkColumns + ` FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.valid_to IS NULL AND c.document_id = $1 ORDER BY c.position`
		args = append(args, documentID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// CurrentChunksByIDs resolves ids to chunks, dropping any that are no
// longer current. Retrieval uses it to filter stale index hits.
func (r *PostgresRepo) CurrentChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE c.id = ANY($1) AND c.valid_to IS NULL`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (r *PostgresRepo) CurrentChunkIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM chunks WHERE valid_to IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepo) CountDocuments(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

func (r *PostgresRepo) CountCurrentChunks(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE valid_to IS NULL`).Scan(&count)
	return count, err
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var supersedes sql.NullString
		var validTo sql.NullTime
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SourceID, &c.SourceURI, &c.Position, &c.Text,
			&c.ContentHash, &c.Version, &supersedes, &c.ValidFrom, &validTo); err != nil {
			return nil, err
		}
		if supersedes.Valid {
			c.Supersedes = supersedes.String
		}
		if validTo.Valid {
			t := validTo.Time
			c.ValidTo = &t
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
