// Package bvrag ties together the retrieval-augmented question answering
// pipeline for maritime regulations: query understanding, hybrid retrieval,
// grounded answer generation, and the learned utility signal that reranks
// future queries. Ingest (scraping, chunking, table extraction) lives
// upstream of this module; see the seed package for the fixture loader used
// in its place here.
package bvrag

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the BV-RAG engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.bvrag/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "bvrag". The file will be <DBName>.db inside the
	// storage directory (~/.bvrag/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.bvrag/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// KnowledgeDir is the directory of YAML practical-knowledge entries
	// loaded once at boot by the knowledge package.
	KnowledgeDir string `json:"knowledge_dir" yaml:"knowledge_dir"`

	// SeedDir, if set, is loaded at boot by the seed package before the
	// server starts serving (stands in for the external ingest pipeline).
	// Leave empty to boot against an already-populated database.
	SeedDir string `json:"seed_dir" yaml:"seed_dir"`

	// LLM providers. Chat is the primary model; Fast is the cheap model
	// the generator's router demotes to. Translation is an optional fast
	// model for cross-language query term expansion (defaults to Fast,
	// then Chat).
	Chat        LLMConfig `json:"chat" yaml:"chat"`
	Fast        LLMConfig `json:"fast" yaml:"fast"`
	Embedding   LLMConfig `json:"embedding" yaml:"embedding"`
	Translation LLMConfig `json:"translation" yaml:"translation"`

	// Voice configures the STT/TTS adapters. An empty BaseURL falls back
	// to the in-memory stub implementations.
	Voice VoiceConfig `json:"voice" yaml:"voice"`

	// Redis configures the session store. Addr empty disables session
	// persistence — every turn starts a fresh, ephemeral session.
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Learned utility signal.
	UtilityAlpha   float64 `json:"utility_alpha" yaml:"utility_alpha"`
	UtilityCeiling float64 `json:"utility_ceiling" yaml:"utility_ceiling"`

	// Conversation memory.
	MaxConversationTurns int           `json:"max_conversation_turns" yaml:"max_conversation_turns"`
	SessionTTL           time.Duration `json:"session_ttl" yaml:"session_ttl"`
	UtilityUpdateTimeout time.Duration `json:"utility_update_timeout" yaml:"utility_update_timeout"`

	// Generation.
	MaxContextTokens int `json:"max_context_tokens" yaml:"max_context_tokens"`

	// Embedding dimensions (must match the embedding model).
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// VoiceConfig configures the speech adapters.
type VoiceConfig struct {
	BaseURL     string `json:"base_url" yaml:"base_url"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	SpeechModel string `json:"speech_model" yaml:"speech_model"`
	VoiceModel  string `json:"voice_model" yaml:"voice_model"`
	Voice       string `json:"voice" yaml:"voice"`
}

// RedisConfig configures the session store.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.bvrag/bvrag.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:       "bvrag",
		StorageDir:   "home",
		KnowledgeDir: "knowledge/data",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Fast: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2:3b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		UtilityAlpha:         0.3,
		UtilityCeiling:       0.1,
		MaxConversationTurns: 10,
		SessionTTL:           24 * time.Hour,
		UtilityUpdateTimeout: 2 * time.Second,
		MaxContextTokens:     8000,
		EmbeddingDim:         1024,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "bvrag"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".bvrag")
		return filepath.Join(dir, name+".db")
	}
}
