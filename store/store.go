// Package store keeps the local SQLite ledger: the catalog snapshot,
// extraction outcomes, provider batch jobs, the question log and a cache of
// phrase embeddings in a sqlite-vec table.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/minutegraph/catalog"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDimension is returned when a vector does not fit the vec_phrases table.
	ErrDimension = errors.New("store: embedding dimension mismatch")
)

// Outcome represents a row in the extraction_outcomes table.
type Outcome struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	DocID     string `json:"doc_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// BatchJob represents a row in the batch_jobs table.
type BatchJob struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Artifact     string `json:"artifact"`
	InputFileID  string `json:"input_file_id"`
	OutputFileID string `json:"output_file_id,omitempty"`
	Status       string `json:"status"`
	Description  string `json:"description"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// QueryRecord represents a row in the query_log table.
type QueryRecord struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Query       string `json:"query"`
	Description string `json:"description"`
	Verdict     string `json:"verdict,omitempty"`
	Status      string `json:"status"`
	Rows        int    `json:"rows"`
	Attempts    int    `json:"attempts"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Store wraps the SQLite database for all minutegraph persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Catalog ---

// SaveCatalog replaces the catalog snapshot with docs.
func (s *Store) SaveCatalog(ctx context.Context, docs []catalog.Document) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM catalog_documents"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO catalog_documents (doc_id, parent_id, path, kind, body, title, meeting_date, document)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, d := range docs {
			raw, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encoding document %s: %w", d.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, d.ID, nullable(d.ParentID), d.Path, string(d.Kind),
				d.Body, d.Title, d.MeetingDate, string(raw)); err != nil {
				return fmt.Errorf("inserting document %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

// ListCatalog returns the snapshot in insertion order.
func (s *Store) ListCatalog(ctx context.Context) ([]catalog.Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT document FROM catalog_documents ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []catalog.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d catalog.Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decoding catalog row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// --- Extraction outcomes ---

// RecordOutcome appends one extraction outcome.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO extraction_outcomes (run_id, doc_id, type, status, attempts, path, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.RunID, o.DocID, o.Type, o.Status, o.Attempts, o.Path, nullable(o.Error))
	return err
}

// ListOutcomes returns the outcomes of one run. An empty runID lists every run.
func (s *Store) ListOutcomes(ctx context.Context, runID string) ([]Outcome, error) {
	q := `SELECT id, run_id, doc_id, type, status, attempts, path, error, created_at
		FROM extraction_outcomes`
	var args []any
	if runID != "" {
		q += " WHERE run_id = ?"
		args = append(args, runID)
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var path, errText sql.NullString
		if err := rows.Scan(&o.ID, &o.RunID, &o.DocID, &o.Type, &o.Status, &o.Attempts,
			&path, &errText, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Path = path.String
		o.Error = errText.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Batch jobs ---

// SaveBatchJob inserts or replaces a job.
func (s *Store) SaveBatchJob(ctx context.Context, j BatchJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (id, type, artifact, input_file_id, output_file_id, status, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			artifact = excluded.artifact,
			input_file_id = excluded.input_file_id,
			output_file_id = excluded.output_file_id,
			status = excluded.status,
			description = excluded.description,
			updated_at = CURRENT_TIMESTAMP
	`, j.ID, j.Type, j.Artifact, j.InputFileID, nullable(j.OutputFileID), j.Status, j.Description)
	return err
}

// UpdateBatchJob records a polled status. An empty outputFileID keeps the
// stored one.
func (s *Store) UpdateBatchJob(ctx context.Context, id, status, outputFileID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs SET
			status = ?,
			output_file_id = COALESCE(?, output_file_id),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, nullable(outputFileID), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: batch job %s", ErrNotFound, id)
	}
	return nil
}

// GetBatchJob retrieves a job by id.
func (s *Store) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, artifact, input_file_id, output_file_id, status, description, created_at, updated_at
		FROM batch_jobs WHERE id = ?
	`, id)
	j, err := scanBatchJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch job %s", ErrNotFound, id)
	}
	return j, err
}

// ListBatchJobs returns every job, newest first.
func (s *Store) ListBatchJobs(ctx context.Context) ([]BatchJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, artifact, input_file_id, output_file_id, status, description, created_at, updated_at
		FROM batch_jobs ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []BatchJob
	for rows.Next() {
		j, err := scanBatchJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatchJob(sc scanner) (*BatchJob, error) {
	var j BatchJob
	var artifact, input, output, desc sql.NullString
	if err := sc.Scan(&j.ID, &j.Type, &artifact, &input, &output, &j.Status, &desc,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Artifact = artifact.String
	j.InputFileID = input.String
	j.OutputFileID = output.String
	j.Description = desc.String
	return &j, nil
}

// --- Query log ---

// LogQuery records one answered question. A record without an id gets one.
func (s *Store) LogQuery(ctx context.Context, q QueryRecord) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (id, question, query, description, verdict, status, row_count, attempts, elapsed_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.Question, q.Query, q.Description, nullable(q.Verdict), q.Status,
		q.Rows, q.Attempts, q.ElapsedMS, nullable(q.Error))
	return err
}

// RecentQueries returns the latest logged questions, newest first.
func (s *Store) RecentQueries(ctx context.Context, limit int) ([]QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, query, description, verdict, status, row_count, attempts, elapsed_ms, error, created_at
		FROM query_log ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryRecord
	for rows.Next() {
		var q QueryRecord
		var query, desc, verdict, errText sql.NullString
		if err := rows.Scan(&q.ID, &q.Question, &query, &desc, &verdict, &q.Status,
			&q.Rows, &q.Attempts, &q.ElapsedMS, &errText, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Query = query.String
		q.Description = desc.String
		q.Verdict = verdict.String
		q.Error = errText.String
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- Phrase embeddings ---

// CachedEmbedding returns the stored vector for text under model, or nil
// when none is cached.
func (s *Store) CachedEmbedding(ctx context.Context, model, text string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT v.embedding FROM phrases p
		JOIN vec_phrases v ON v.phrase_id = p.id
		WHERE p.model = ? AND p.text_hash = ?
	`, model, hashText(text)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deserializeFloat32(blob), nil
}

// PutEmbedding caches vec for text under model.
func (s *Store) PutEmbedding(ctx context.Context, model, text string, vec []float32) error {
	if len(vec) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, table holds %d", ErrDimension, len(vec), s.embeddingDim)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO phrases (model, text_hash, text) VALUES (?, ?, ?)
			ON CONFLICT(model, text_hash) DO UPDATE SET text = excluded.text
			RETURNING id
		`, model, hashText(text), text).Scan(&id)
		if err != nil {
			return err
		}
		// vec0 has no upsert.
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_phrases WHERE phrase_id = ?", id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO vec_phrases (phrase_id, embedding) VALUES (?, ?)", id, serializeFloat32(vec))
		return err
	})
}

// PhraseMatch is a cached phrase close to a query vector.
type PhraseMatch struct {
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

// SimilarPhrases returns the k cached phrases nearest to vec.
func (s *Store) SimilarPhrases(ctx context.Context, vec []float32, k int) ([]PhraseMatch, error) {
	if len(vec) != s.embeddingDim {
		return nil, fmt.Errorf("%w: got %d, table holds %d", ErrDimension, len(vec), s.embeddingDim)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.text, v.distance
		FROM vec_phrases v
		JOIN phrases p ON p.id = v.phrase_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PhraseMatch
	for rows.Next() {
		var m PhraseMatch
		if err := rows.Scan(&m.Text, &m.Distance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
