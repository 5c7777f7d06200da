package bvrag

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bvrag/bvrag/generate"
	"github.com/bvrag/bvrag/knowledge"
	"github.com/bvrag/bvrag/llm"
	"github.com/bvrag/bvrag/pipeline"
	"github.com/bvrag/bvrag/retrieval"
	"github.com/bvrag/bvrag/seed"
	"github.com/bvrag/bvrag/session"
	"github.com/bvrag/bvrag/store"
	"github.com/bvrag/bvrag/utility"
	"github.com/bvrag/bvrag/voice"
)

// Engine wires every component together behind a single Query entry point.
type Engine struct {
	cfg       Config
	store     *store.Store
	redis     *redis.Client
	sessions  *session.Store
	retriever *retrieval.Engine
	pipeline  *pipeline.Engine
	stt       voice.STT
	tts       voice.TTS
}

// New creates a new BV-RAG engine with the given configuration: it opens
// the SQLite store, connects to Redis (if configured), constructs the
// store -> retrieval -> pipeline chain, and optionally runs the seed
// loader against an empty database.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	dbPath := cfg.resolveDBPath()

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 1024
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider, Model: cfg.Chat.Model,
		BaseURL: cfg.Chat.BaseURL, APIKey: cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	fastCfg := cfg.Fast
	if fastCfg.Provider == "" {
		fastCfg = cfg.Chat
	}
	fastLLM, err := llm.NewProvider(llm.Config{
		Provider: fastCfg.Provider, Model: fastCfg.Model,
		BaseURL: fastCfg.BaseURL, APIKey: fastCfg.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating fast provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider, Model: cfg.Embedding.Model,
		BaseURL: cfg.Embedding.BaseURL, APIKey: cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	translateLLM := fastLLM
	if cfg.Translation.Provider != "" {
		translateLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Translation.Provider, Model: cfg.Translation.Model,
			BaseURL: cfg.Translation.BaseURL, APIKey: cfg.Translation.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating translation provider: %w", err)
		}
	}

	var rdb *redis.Client
	var sessionStore *session.Store
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: redis ping failed: %v", ErrSessionStoreUnavailable, err)
		}
		sessionStore = session.NewStore(rdb, cfg.SessionTTL)
	}

	utilityR := utility.New(s, cfg.UtilityAlpha, cfg.UtilityCeiling)

	retriever := retrieval.New(s, embedLLM, translateLLM, utilityR)

	var knowledgeIdx *knowledge.Index
	if cfg.KnowledgeDir != "" {
		knowledgeIdx, err = knowledge.Load(cfg.KnowledgeDir)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("loading knowledge base: %w", err)
		}
	}

	generator := generate.New(chatLLM, generate.Config{
		PrimaryModel:     cfg.Chat.Model,
		FastModel:        fastCfg.Model,
		MaxContextTokens: cfg.MaxContextTokens,
	})

	resolver := session.NewResolver(fastLLM, fastCfg.Model)

	orchestrator := pipeline.New(pipeline.Config{
		MaxConversationTurns: cfg.MaxConversationTurns,
		UtilityUpdateTimeout: cfg.UtilityUpdateTimeout,
	}, sessionStore, resolver, retriever, knowledgeIdx, generator, utilityR, s)

	if cfg.SeedDir != "" {
		if err := seed.Load(ctx, cfg.SeedDir, s, embedLLM); err != nil {
			s.Close()
			if rdb != nil {
				rdb.Close()
			}
			return nil, fmt.Errorf("seeding store: %w", err)
		}
	}

	voiceCfg := voice.Config{
		BaseURL:     cfg.Voice.BaseURL,
		APIKey:      cfg.Voice.APIKey,
		SpeechModel: cfg.Voice.SpeechModel,
		VoiceModel:  cfg.Voice.VoiceModel,
		Voice:       cfg.Voice.Voice,
	}

	return &Engine{
		cfg:       cfg,
		store:     s,
		redis:     rdb,
		sessions:  sessionStore,
		retriever: retriever,
		pipeline:  orchestrator,
		stt:       voice.NewSTT(voiceCfg),
		tts:       voice.NewTTS(voiceCfg),
	}, nil
}

// Query runs a single conversational turn through the full pipeline.
func (e *Engine) Query(ctx context.Context, req pipeline.Request) (*pipeline.Response, error) {
	return e.pipeline.Query(ctx, req)
}

// Transcribe converts spoken audio into text via the configured STT adapter.
func (e *Engine) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return e.stt.Transcribe(ctx, audio, format)
}

// Synthesize converts text into spoken audio via the configured TTS adapter.
func (e *Engine) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	return e.tts.Synthesize(ctx, text)
}

// Store returns the underlying store for diagnostic and admin access.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Retriever exposes the hybrid retriever for the debug/evaluation endpoint,
// bypassing the LLM generation stage.
func (e *Engine) Retriever() *retrieval.Engine {
	return e.retriever
}

// Sessions exposes the session store for admin inspection. Returns nil when
// Redis is not configured.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}

// Close cleanly shuts down the engine's backing connections.
func (e *Engine) Close() error {
	var err error
	if e.redis != nil {
		if cerr := e.redis.Close(); cerr != nil {
			err = cerr
		}
	}
	if cerr := e.store.Close(); cerr != nil {
		err = cerr
	}
	return err
}
