package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Snapshot of the document catalog
CREATE TABLE IF NOT EXISTS catalog_documents (
    doc_id TEXT PRIMARY KEY,
    parent_id TEXT,
    path TEXT NOT NULL,
    kind TEXT,
    body TEXT,
    title TEXT,
    meeting_date TEXT,
    document JSON NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- One row per document per extraction run
CREATE TABLE IF NOT EXISTS extraction_outcomes (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER DEFAULT 0,
    path TEXT,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Provider batch jobs
CREATE TABLE IF NOT EXISTS batch_jobs (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    artifact TEXT,
    input_file_id TEXT,
    output_file_id TEXT,
    status TEXT NOT NULL,
    description TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Question audit log
CREATE TABLE IF NOT EXISTS query_log (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    query TEXT,
    description TEXT,
    verdict TEXT,
    status TEXT NOT NULL,
    row_count INTEGER DEFAULT 0,
    attempts INTEGER DEFAULT 0,
    elapsed_ms INTEGER DEFAULT 0,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Embedded search phrases, keyed by model and text
CREATE TABLE IF NOT EXISTS phrases (
    id INTEGER PRIMARY KEY,
    model TEXT NOT NULL,
    text_hash TEXT NOT NULL,
    text TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(model, text_hash)
);

-- Phrase vectors via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_phrases USING vec0(
    phrase_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_catalog_parent ON catalog_documents(parent_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON extraction_outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_doc ON extraction_outcomes(doc_id, type);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs(status);
`, embeddingDim)
}
