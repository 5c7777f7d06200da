// Package bvrag ties together the retrieval-augmented question answering
// pipeline for maritime regulations: query understanding, hybrid retrieval,
// grounded answer generation, and the learned utility signal that reranks
// future queries. Ingest (scraping, chunking, table extraction) lives
// upstream of this module; see the seed package for the fixture loader used
// in its place here.
package bvrag

import "errors"

// Sentinel errors returned across package boundaries so callers (chiefly
// cmd/server's HTTP handlers) can map failures onto the right status code
// and response shape without string matching.
var (
	// ErrEmbeddingUnavailable is returned when the embedding provider cannot
	// be reached or returns an unusable response.
	ErrEmbeddingUnavailable = errors.New("bvrag: embedding provider unavailable")

	// ErrIndexUnavailable is returned when the backing SQLite store (vector
	// index, FTS index, or graph tables) cannot serve a query.
	ErrIndexUnavailable = errors.New("bvrag: index unavailable")

	// ErrRetrievalUnavailable is returned when all three retrieval legs
	// (vector, lexical, graph) fail for a single query.
	ErrRetrievalUnavailable = errors.New("bvrag: retrieval unavailable")

	// ErrGenerationUnavailable is returned when the answer-generation LLM
	// cannot be reached after exhausting its retries.
	ErrGenerationUnavailable = errors.New("bvrag: generation unavailable")

	// ErrSessionStoreUnavailable is returned when the Redis-backed
	// conversation store cannot be reached.
	ErrSessionStoreUnavailable = errors.New("bvrag: session store unavailable")

	// ErrUtilityStoreUnavailable is returned when a utility EMA update or
	// lookup fails against the backing store.
	ErrUtilityStoreUnavailable = errors.New("bvrag: utility store unavailable")

	// ErrInvalidInput is returned for malformed or missing request fields.
	ErrInvalidInput = errors.New("bvrag: invalid input")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("bvrag: operation timed out")

	// ErrCancelled is returned when an operation's context is cancelled by
	// the caller (e.g. a dropped WebSocket connection).
	ErrCancelled = errors.New("bvrag: operation cancelled")
)
