package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Regulation registry: one row per leaf node of a regulatory document.
CREATE TABLE IF NOT EXISTS regulations (
    id INTEGER PRIMARY KEY,
    reg_id TEXT NOT NULL UNIQUE,
    source_url TEXT,
    title TEXT NOT NULL,
    breadcrumb TEXT NOT NULL,
    collection TEXT NOT NULL,
    document TEXT NOT NULL,
    chapter TEXT,
    part TEXT,
    regulation TEXT,
    paragraph TEXT,
    body TEXT NOT NULL,
    page_type TEXT NOT NULL DEFAULT 'content',
    parent_id INTEGER REFERENCES regulations(id),
    source_type TEXT NOT NULL,
    authority_level TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Embeddable fragments of a regulation record.
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    chunk_uid TEXT NOT NULL UNIQUE,
    regulation_id INTEGER NOT NULL REFERENCES regulations(id) ON DELETE CASCADE,
    content TEXT NOT NULL,
    embedding_text TEXT NOT NULL,
    chunk_type TEXT NOT NULL DEFAULT 'regulation',
    token_count INTEGER,
    fts_text TEXT NOT NULL,
    metadata JSON
);

-- Vector embeddings via sqlite-vec.
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- Full-text search via FTS5. fts_text is the weighted concatenation of
-- title, regulation number and breadcrumb (each repeated to approximate a
-- field boost) followed by the body once, populated at insert time.
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    fts_text,
    content='chunks',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, fts_text) VALUES (new.id, new.fts_text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, fts_text) VALUES ('delete', old.id, old.fts_text);
END;
CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, fts_text) VALUES ('delete', old.id, old.fts_text);
    INSERT INTO chunks_fts(rowid, fts_text) VALUES (new.id, new.fts_text);
END;

-- Directed cross-reference edges between regulations.
CREATE TABLE IF NOT EXISTS cross_references (
    id INTEGER PRIMARY KEY,
    source_doc TEXT NOT NULL,
    target_doc TEXT NOT NULL,
    anchor_text TEXT,
    context TEXT,
    relation_kind TEXT NOT NULL CHECK(relation_kind IN ('REFERENCES','INTERPRETS','AMENDS'))
);

-- Small controlled vocabulary (ship types, domains) linked to regulations.
CREATE TABLE IF NOT EXISTS concepts (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS regulation_concepts (
    regulation_id INTEGER NOT NULL REFERENCES regulations(id) ON DELETE CASCADE,
    concept_id INTEGER NOT NULL REFERENCES concepts(id) ON DELETE CASCADE,
    PRIMARY KEY (regulation_id, concept_id)
);

-- Runtime-learned per-chunk, per-category utility.
CREATE TABLE IF NOT EXISTS chunk_utility (
    chunk_id INTEGER NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
    category TEXT NOT NULL,
    utility REAL NOT NULL DEFAULT 0.5,
    use_count INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    last_used DATETIME,
    PRIMARY KEY (chunk_id, category)
);

-- Query audit log.
CREATE TABLE IF NOT EXISTS query_log (
    id INTEGER PRIMARY KEY,
    session_id TEXT,
    query TEXT NOT NULL,
    enhanced_query TEXT,
    answer TEXT,
    confidence TEXT,
    citations JSON,
    retrieval_method TEXT,
    model_used TEXT,
    prompt_tokens INTEGER DEFAULT 0,
    completion_tokens INTEGER DEFAULT 0,
    total_tokens INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_regulation ON chunks(regulation_id);
CREATE INDEX IF NOT EXISTS idx_chunks_type ON chunks(chunk_type);
CREATE INDEX IF NOT EXISTS idx_regulations_parent ON regulations(parent_id);
CREATE INDEX IF NOT EXISTS idx_regulations_document ON regulations(document);
CREATE INDEX IF NOT EXISTS idx_regulations_regulation ON regulations(regulation);
CREATE INDEX IF NOT EXISTS idx_cross_references_source ON cross_references(source_doc);
CREATE INDEX IF NOT EXISTS idx_cross_references_target ON cross_references(target_doc);
CREATE INDEX IF NOT EXISTS idx_cross_references_kind ON cross_references(relation_kind);
CREATE INDEX IF NOT EXISTS idx_regulation_concepts_concept ON regulation_concepts(concept_id);
CREATE INDEX IF NOT EXISTS idx_query_log_session ON query_log(session_id);
`, embeddingDim)
}
