package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Regulation is a leaf node of a regulatory document (a row in the
// regulations table).
type Regulation struct {
	ID             int64  `json:"id"`
	RegID          string `json:"reg_id"`
	SourceURL      string `json:"source_url,omitempty"`
	Title          string `json:"title"`
	Breadcrumb     string `json:"breadcrumb"`
	Collection     string `json:"collection"`
	Document       string `json:"document"`
	Chapter        string `json:"chapter,omitempty"`
	Part           string `json:"part,omitempty"`
	RegulationNo   string `json:"regulation,omitempty"`
	Paragraph      string `json:"paragraph,omitempty"`
	Body           string `json:"body"`
	PageType       string `json:"page_type"`
	ParentID       *int64 `json:"parent_id,omitempty"`
	SourceType     string `json:"source_type"`
	AuthorityLevel string `json:"authority_level"`
}

// Chunk is an embeddable fragment of a Regulation.
type Chunk struct {
	ID            int64  `json:"id"`
	ChunkUID      string `json:"chunk_uid"`
	RegulationID  int64  `json:"regulation_id"`
	Content       string `json:"content"`
	EmbeddingText string `json:"embedding_text"`
	ChunkType     string `json:"chunk_type"`
	TokenCount    int    `json:"token_count"`
	Metadata      string `json:"metadata,omitempty"`
}

// CrossReference is a directed edge source_doc -> target_doc.
type CrossReference struct {
	ID           int64  `json:"id"`
	SourceDoc    string `json:"source_doc"`
	TargetDoc    string `json:"target_doc"`
	AnchorText   string `json:"anchor_text,omitempty"`
	Context      string `json:"context,omitempty"`
	RelationKind string `json:"relation_kind"`
}

// ChunkUtility is the learned per-chunk, per-category utility row.
type ChunkUtility struct {
	ChunkID      int64     `json:"chunk_id"`
	Category     string    `json:"category"`
	Utility      float64   `json:"utility"`
	UseCount     int       `json:"use_count"`
	SuccessCount int       `json:"success_count"`
	LastUsed     time.Time `json:"last_used"`
}

// QueryLog is a row in the query_log audit table.
type QueryLog struct {
	SessionID        string
	Query            string
	EnhancedQuery    string
	Answer           string
	Confidence       string
	Citations        string // JSON array
	RetrievalMethod  string
	ModelUsed        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// RetrievalResult holds a chunk with its retrieval score and the
// regulation metadata needed downstream for ranking and generation.
type RetrievalResult struct {
	ChunkID        int64   `json:"chunk_id"`
	RegulationID   int64   `json:"regulation_id"`
	RegID          string  `json:"reg_id"`
	Content        string  `json:"content"`
	Title          string  `json:"title"`
	Breadcrumb     string  `json:"breadcrumb"`
	Document       string  `json:"document"`
	RegulationNo   string  `json:"regulation"`
	SourceURL      string  `json:"source_url"`
	ChunkType      string  `json:"chunk_type"`
	SourceType     string  `json:"source_type"`
	AuthorityLevel string  `json:"authority_level"`
	Metadata       string  `json:"metadata,omitempty"`
	Score          float64 `json:"score"`
}

// Filters constrains a search to records with equal field values. Empty
// strings mean "no constraint" for that field.
type Filters struct {
	Document   string
	Collection string
	SourceType string
	ChunkType  string
}

func (f Filters) clause(alias string) (string, []any) {
	var conds []string
	var args []any
	if f.Document != "" {
		conds = append(conds, alias+".document = ?")
		args = append(args, f.Document)
	}
	if f.Collection != "" {
		conds = append(conds, alias+".collection = ?")
		args = append(args, f.Collection)
	}
	if f.SourceType != "" {
		conds = append(conds, alias+".source_type = ?")
		args = append(args, f.SourceType)
	}
	if f.ChunkType != "" {
		conds = append(conds, "c.chunk_type = ?")
		args = append(args, f.ChunkType)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// Store wraps the SQLite database for all BV-RAG persistence: regulation
// records, chunks, cross-references, concepts, and the utility table.
// Session state lives in the session package's Redis-backed store instead
// (see session.Store) — it is high-churn and TTL-bound, unlike everything
// here which is read-only or append-mostly at serving time.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
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

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Regulation operations ---

// UpsertRegulation inserts or updates a regulation record keyed by RegID.
func (s *Store) UpsertRegulation(ctx context.Context, r Regulation) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO regulations (reg_id, source_url, title, breadcrumb, collection, document,
			chapter, part, regulation, paragraph, body, page_type, parent_id, source_type, authority_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reg_id) DO UPDATE SET
			source_url=excluded.source_url, title=excluded.title, breadcrumb=excluded.breadcrumb,
			collection=excluded.collection, document=excluded.document, chapter=excluded.chapter,
			part=excluded.part, regulation=excluded.regulation, paragraph=excluded.paragraph,
			body=excluded.body, page_type=excluded.page_type, parent_id=excluded.parent_id,
			source_type=excluded.source_type, authority_level=excluded.authority_level
	`, r.RegID, r.SourceURL, r.Title, r.Breadcrumb, r.Collection, r.Document,
		r.Chapter, r.Part, r.RegulationNo, r.Paragraph, r.Body, r.PageType, r.ParentID,
		r.SourceType, r.AuthorityLevel)
	if err != nil {
		return 0, fmt.Errorf("upserting regulation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		var existing int64
		if qerr := s.db.QueryRowContext(ctx, `SELECT id FROM regulations WHERE reg_id = ?`, r.RegID).Scan(&existing); qerr == nil {
			return existing, nil
		}
	}
	return id, nil
}

// GetRegulationByRegID fetches a regulation by its stable identifier.
func (s *Store) GetRegulationByRegID(ctx context.Context, regID string) (*Regulation, error) {
	return s.scanRegulation(s.db.QueryRowContext(ctx, regulationSelectSQL+` WHERE reg_id = ?`, regID))
}

// GetRegulation fetches a regulation by its internal integer id.
func (s *Store) GetRegulation(ctx context.Context, id int64) (*Regulation, error) {
	return s.scanRegulation(s.db.QueryRowContext(ctx, regulationSelectSQL+` WHERE id = ?`, id))
}

const regulationSelectSQL = `SELECT id, reg_id, source_url, title, breadcrumb, collection, document,
	chapter, part, regulation, paragraph, body, page_type, parent_id, source_type, authority_level FROM regulations`

func (s *Store) scanRegulation(row *sql.Row) (*Regulation, error) {
	var r Regulation
	err := row.Scan(&r.ID, &r.RegID, &r.SourceURL, &r.Title, &r.Breadcrumb, &r.Collection, &r.Document,
		&r.Chapter, &r.Part, &r.RegulationNo, &r.Paragraph, &r.Body, &r.PageType, &r.ParentID,
		&r.SourceType, &r.AuthorityLevel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning regulation: %w", err)
	}
	return &r, nil
}

// GetChildren returns the direct children of a regulation.
func (s *Store) GetChildren(ctx context.Context, regID string) ([]Regulation, error) {
	rows, err := s.db.QueryContext(ctx, regulationSelectSQL+`
		WHERE parent_id = (SELECT id FROM regulations WHERE reg_id = ?)
		ORDER BY document, regulation`, regID)
	if err != nil {
		return nil, fmt.Errorf("querying children: %w", err)
	}
	defer rows.Close()
	return scanRegulations(rows)
}

// GetParentChain returns ancestors ordered root-to-leaf, bounded at maxDepth
// hops (default 20) to guard against cycles in malformed data.
func (s *Store) GetParentChain(ctx context.Context, regID string, maxDepth int) ([]Regulation, error) {
	if maxDepth <= 0 {
		maxDepth = 20
	}
	reg, err := s.GetRegulationByRegID(ctx, regID)
	if err != nil || reg == nil {
		return nil, err
	}
	var chain []Regulation
	cur := reg
	for depth := 0; depth < maxDepth && cur.ParentID != nil; depth++ {
		parent, err := s.GetRegulation(ctx, *cur.ParentID)
		if err != nil || parent == nil {
			break
		}
		chain = append([]Regulation{*parent}, chain...)
		cur = parent
	}
	return chain, nil
}

func scanRegulations(rows *sql.Rows) ([]Regulation, error) {
	var out []Regulation
	for rows.Next() {
		var r Regulation
		if err := rows.Scan(&r.ID, &r.RegID, &r.SourceURL, &r.Title, &r.Breadcrumb, &r.Collection, &r.Document,
			&r.Chapter, &r.Part, &r.RegulationNo, &r.Paragraph, &r.Body, &r.PageType, &r.ParentID,
			&r.SourceType, &r.AuthorityLevel); err != nil {
			return nil, fmt.Errorf("scanning regulation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Chunk operations ---

// InsertChunks bulk-inserts chunks, returning their assigned IDs.
// fts_text is derived here from weighted metadata fields (title, regulation
// number and breadcrumb repeated, body once) so lexical search can
// approximate per-field boosting without a custom BM25 weighting function.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk, regs map[int64]Regulation) ([]int64, error) {
	ids := make([]int64, len(chunks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (chunk_uid, regulation_id, content, embedding_text, chunk_type, token_count, fts_text, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			reg := regs[c.RegulationID]
			ftsText := weightedFTSText(reg, c)
			res, err := stmt.ExecContext(ctx, c.ChunkUID, c.RegulationID, c.Content, c.EmbeddingText,
				c.ChunkType, c.TokenCount, ftsText, c.Metadata)
			if err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.ChunkUID, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	return ids, err
}

func weightedFTSText(reg Regulation, c Chunk) string {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(reg.Title)
		b.WriteString(" ")
		b.WriteString(reg.RegulationNo)
		b.WriteString(" ")
	}
	for i := 0; i < 2; i++ {
		b.WriteString(reg.Breadcrumb)
		b.WriteString(" ")
	}
	b.WriteString(c.Content)
	return strings.ToLower(b.String())
}

// InsertEmbedding stores a chunk's embedding vector in vec_chunks.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)`,
		chunkID, serializeFloat32(embedding))
	return err
}

const retrievalSelectSQL = `SELECT c.id, c.regulation_id, r.reg_id, c.content, r.title, r.breadcrumb,
	r.document, r.regulation, r.source_url, c.chunk_type, r.source_type, r.authority_level, c.metadata
	FROM chunks c JOIN regulations r ON r.id = c.regulation_id`

func scanRetrievalRow(rows *sql.Rows) (RetrievalResult, error) {
	var r RetrievalResult
	err := rows.Scan(&r.ChunkID, &r.RegulationID, &r.RegID, &r.Content, &r.Title, &r.Breadcrumb,
		&r.Document, &r.RegulationNo, &r.SourceURL, &r.ChunkType, &r.SourceType, &r.AuthorityLevel, &r.Metadata)
	return r, err
}

// VectorSearch runs top-k nearest-neighbour search over vec_chunks and joins
// back to regulation metadata. Score is 1-distance (higher is closer).
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int, f Filters) ([]RetrievalResult, error) {
	if k <= 0 {
		k = 10
	}
	where, args := f.clause("r")
	query := fmt.Sprintf(`
		WITH hits AS (
			SELECT chunk_id, distance FROM vec_chunks WHERE embedding MATCH ? AND k = ?
		)
		%s JOIN hits ON hits.chunk_id = c.id
		WHERE 1=1 %s
		ORDER BY hits.distance ASC`, retrievalSelectSQL, where)

	allArgs := append([]any{serializeFloat32(queryEmbedding), k}, args...)
	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &r.RegulationID, &r.RegID, &r.Content, &r.Title, &r.Breadcrumb,
			&r.Document, &r.RegulationNo, &r.SourceURL, &r.ChunkType, &r.SourceType, &r.AuthorityLevel,
			&r.Metadata, &distance); err != nil {
			return nil, fmt.Errorf("scanning vector result: %w", err)
		}
		r.Score = 1 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSSearch performs FTS5 full-text search ordered by bm25 rank; Score is
// the reciprocal of the 1-based result position (1, 1/2, 1/3, ...).
func (s *Store) FTSSearch(ctx context.Context, ftsQuery string, limit int, f Filters) ([]RetrievalResult, error) {
	if limit <= 0 {
		limit = 10
	}
	where, args := f.clause("r")
	query := fmt.Sprintf(`
		%s JOIN chunks_fts ON chunks_fts.rowid = c.id
		WHERE chunks_fts MATCH ? %s
		ORDER BY rank LIMIT ?`, retrievalSelectSQL, where)

	allArgs := append([]any{ftsQuery}, append(args, limit)...)
	rows, err := s.db.QueryContext(ctx, query, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var results []RetrievalResult
	rank := 0
	for rows.Next() {
		r, err := scanRetrievalRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fts result: %w", err)
		}
		rank++
		r.Score = 1.0 / float64(rank)
		results = append(results, r)
	}
	return results, rows.Err()
}

// SearchByRegulationNumber performs exact/near-exact matching against the
// regulation number and breadcrumb fields, for queries that clearly name a
// regulation.
func (s *Store) SearchByRegulationNumber(ctx context.Context, ref string, limit int) ([]RetrievalResult, error) {
	if limit <= 0 {
		limit = 10
	}
	like := "%" + strings.ToLower(ref) + "%"
	query := retrievalSelectSQL + `
		WHERE lower(r.regulation) = lower(?) OR lower(r.breadcrumb) LIKE ?
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, ref, like, limit)
	if err != nil {
		return nil, fmt.Errorf("regulation number search: %w", err)
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		r, err := scanRetrievalRow(rows)
		if err != nil {
			return nil, err
		}
		r.Score = 1.0
		results = append(results, r)
	}
	return results, rows.Err()
}

// BestTitleMatch resolves a free-text regulation identifier to the single
// best-matching chunk (used by graph expansion to turn a cross-reference
// target into a retrievable chunk).
func (s *Store) BestTitleMatch(ctx context.Context, ref string) (*RetrievalResult, error) {
	results, err := s.SearchByRegulationNumber(ctx, ref, 1)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

// --- Cross-reference and concept operations ---

// InsertCrossReference stores a directed edge between two regulations.
func (s *Store) InsertCrossReference(ctx context.Context, cr CrossReference) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cross_references (source_doc, target_doc, anchor_text, context, relation_kind) VALUES (?, ?, ?, ?, ?)`,
		cr.SourceDoc, cr.TargetDoc, cr.AnchorText, cr.Context, cr.RelationKind)
	if err != nil {
		return 0, fmt.Errorf("inserting cross reference: %w", err)
	}
	return res.LastInsertId()
}

// GetCrossReferences returns outbound and inbound edges for a regulation.
func (s *Store) GetCrossReferences(ctx context.Context, regID string) (outbound, inbound []CrossReference, err error) {
	outbound, err = s.queryCrossReferences(ctx, `WHERE source_doc = ?`, regID)
	if err != nil {
		return nil, nil, err
	}
	inbound, err = s.queryCrossReferences(ctx, `WHERE target_doc = ?`, regID)
	return outbound, inbound, err
}

// GetInterpretations returns inbound INTERPRETS edges for a regulation.
func (s *Store) GetInterpretations(ctx context.Context, regID string) ([]CrossReference, error) {
	return s.queryCrossReferences(ctx, `WHERE target_doc = ? AND relation_kind = 'INTERPRETS'`, regID)
}

// GetAmendments returns inbound AMENDS edges for a regulation.
func (s *Store) GetAmendments(ctx context.Context, regID string) ([]CrossReference, error) {
	return s.queryCrossReferences(ctx, `WHERE target_doc = ? AND relation_kind = 'AMENDS'`, regID)
}

func (s *Store) queryCrossReferences(ctx context.Context, where string, arg string) ([]CrossReference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_doc, target_doc, anchor_text, context, relation_kind FROM cross_references `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("querying cross references: %w", err)
	}
	defer rows.Close()

	var out []CrossReference
	for rows.Next() {
		var cr CrossReference
		if err := rows.Scan(&cr.ID, &cr.SourceDoc, &cr.TargetDoc, &cr.AnchorText, &cr.Context, &cr.RelationKind); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// UpsertConcept inserts a concept if absent and returns its id.
func (s *Store) UpsertConcept(ctx context.Context, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO concepts (name) VALUES (?)`, name)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM concepts WHERE name = ?`, name).Scan(&id)
	return id, err
}

// LinkRegulationConcept associates a regulation with a concept.
func (s *Store) LinkRegulationConcept(ctx context.Context, regulationID, conceptID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO regulation_concepts (regulation_id, concept_id) VALUES (?, ?)`,
		regulationID, conceptID)
	return err
}

// GetRelatedByConcept returns regulations linked to a named concept, ordered
// by document then by regulation identifier.
func (s *Store) GetRelatedByConcept(ctx context.Context, name string) ([]Regulation, error) {
	rows, err := s.db.QueryContext(ctx, regulationSelectSQL+`
		WHERE id IN (
			SELECT rc.regulation_id FROM regulation_concepts rc
			JOIN concepts c ON c.id = rc.concept_id
			WHERE lower(c.name) = lower(?)
		)
		ORDER BY document, regulation`, name)
	if err != nil {
		return nil, fmt.Errorf("querying related by concept: %w", err)
	}
	defer rows.Close()
	return scanRegulations(rows)
}

// GraphSearch resolves cross-reference targets seeded from a set of
// regulation identifiers back to their best-matching chunk.
func (s *Store) GraphSearch(ctx context.Context, regIDs []string, limit int) ([]RetrievalResult, error) {
	var out []RetrievalResult
	seen := make(map[int64]bool)
	for _, id := range regIDs {
		if len(out) >= limit {
			break
		}
		hit, err := s.BestTitleMatch(ctx, id)
		if err != nil || hit == nil || seen[hit.ChunkID] {
			continue
		}
		seen[hit.ChunkID] = true
		out = append(out, *hit)
	}
	return out, nil
}

// --- Utility operations ---

// GetChunkUtility returns the utility row, or a default (0.5, unseen) row if absent.
func (s *Store) GetChunkUtility(ctx context.Context, chunkID int64, category string) (ChunkUtility, error) {
	var u ChunkUtility
	err := s.db.QueryRowContext(ctx,
		`SELECT chunk_id, category, utility, use_count, success_count, last_used FROM chunk_utility WHERE chunk_id = ? AND category = ?`,
		chunkID, category).Scan(&u.ChunkID, &u.Category, &u.Utility, &u.UseCount, &u.SuccessCount, &u.LastUsed)
	if err == sql.ErrNoRows {
		return ChunkUtility{ChunkID: chunkID, Category: category, Utility: 0.5}, nil
	}
	if err != nil {
		return ChunkUtility{}, fmt.Errorf("getting chunk utility: %w", err)
	}
	return u, nil
}

// UpdateChunkUtilityEMA applies u <- 0.9*u + 0.1*reward atomically, clamping
// into [0,1], and returns the resulting utility. cited controls success_count.
func (s *Store) UpdateChunkUtilityEMA(ctx context.Context, chunkID int64, category string, reward float64, cited bool) (float64, error) {
	var newUtility float64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var cur float64
		err := tx.QueryRowContext(ctx,
			`SELECT utility FROM chunk_utility WHERE chunk_id = ? AND category = ?`, chunkID, category).Scan(&cur)
		if err == sql.ErrNoRows {
			cur = 0.5
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chunk_utility (chunk_id, category, utility, use_count, success_count, last_used) VALUES (?, ?, ?, 0, 0, CURRENT_TIMESTAMP)`,
				chunkID, category, cur); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		newUtility = clampUnit(0.9*cur + 0.1*reward)
		successDelta := 0
		if cited {
			successDelta = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE chunk_utility SET utility = ?, use_count = use_count + 1,
				success_count = success_count + ?, last_used = CURRENT_TIMESTAMP
			WHERE chunk_id = ? AND category = ?`,
			newUtility, successDelta, chunkID, category)
		return err
	})
	return newUtility, err
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CategoryUtilityStat summarises utility rows grouped by category, for the
// admin utility-stats endpoint.
type CategoryUtilityStat struct {
	Category     string  `json:"category"`
	Count        int     `json:"count"`
	MeanUtility  float64 `json:"mean_utility"`
	MeanUseCount float64 `json:"mean_use_count"`
	AboveHigh    int     `json:"above_0_7"`
	BelowLow     int     `json:"below_0_3"`
}

// UtilityStats returns per-category aggregate utility statistics.
func (s *Store) UtilityStats(ctx context.Context) ([]CategoryUtilityStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*), AVG(utility), AVG(use_count),
			SUM(CASE WHEN utility > 0.7 THEN 1 ELSE 0 END),
			SUM(CASE WHEN utility < 0.3 THEN 1 ELSE 0 END)
		FROM chunk_utility GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("querying utility stats: %w", err)
	}
	defer rows.Close()

	var out []CategoryUtilityStat
	for rows.Next() {
		var st CategoryUtilityStat
		if err := rows.Scan(&st.Category, &st.Count, &st.MeanUtility, &st.MeanUseCount, &st.AboveHigh, &st.BelowLow); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Query log & admin ---

// LogQuery records a single request/response pair for audit and evaluation.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (session_id, query, enhanced_query, answer, confidence, citations,
			retrieval_method, model_used, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.SessionID, q.Query, q.EnhancedQuery, q.Answer, q.Confidence, q.Citations,
		q.RetrievalMethod, q.ModelUsed, q.PromptTokens, q.CompletionTokens, q.TotalTokens)
	return err
}

// AdminStats summarises corpus size for the admin stats endpoint.
type AdminStats struct {
	TotalRegulations int `json:"total_regulations"`
	TotalChunks      int `json:"total_chunks"`
	VectorPoints     int `json:"vector_points"`
}

func (s *Store) AdminStats(ctx context.Context) (*AdminStats, error) {
	var st AdminStats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM regulations`).Scan(&st.TotalRegulations); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.TotalChunks); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vec_chunks`).Scan(&st.VectorPoints); err != nil {
		return nil, err
	}
	return &st, nil
}

// SampleChunks returns n arbitrary chunks, for spot-checking ingested
// content from diagnostics and tests.
func (s *Store) SampleChunks(ctx context.Context, n int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chunk_uid, regulation_id, content, embedding_text, chunk_type, token_count, metadata
		 FROM chunks ORDER BY RANDOM() LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sampling chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.ChunkUID, &c.RegulationID, &c.Content, &c.EmbeddingText,
			&c.ChunkType, &c.TokenCount, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 packs a float32 slice into little-endian bytes for
// sqlite-vec's vec0 virtual table.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
