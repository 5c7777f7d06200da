package llm

import "context"

// openAIProvider implements Provider for the OpenAI API. This is the
// hosted fallback for BV-RAG's embedding profile when a site doesn't run
// a local embedding model; note that the default model below is
// 1536-dimension, so a deployment switching from the default 1024-dim
// nomic-embed-text (see config.go's EmbeddingDim) to OpenAI embeddings
// must also update EmbeddingDim and re-embed the corpus, or the vector
// search column rejects the mismatched row at the store layer.
// Uses the standard OpenAI-compatible format for both chat and embeddings.
//
// Supported embedding models:
//
//	text-embedding-3-small  (1536 dim, $0.02/M tokens)  — default
//	text-embedding-3-large  (3072 dim, $0.13/M tokens)
//	text-embedding-ada-002  (1536 dim, $0.10/M tokens)
//
// API key: set via config. The server fills the chat profile's key from
// BVRAG_CHAT_API_KEY and falls back to OPENAI_API_KEY for the chat and
// embedding profiles.
type openAIProvider struct {
	base openAICompatClient
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	return &openAIProvider{base: newOpenAICompatClient(cfg)}
}

func (p *openAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}
