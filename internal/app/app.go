// Package app assembles a session manager and its collaborators from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/xhad/sitechat/internal/session"
	"github.com/xhad/sitechat/internal/types"
	"github.com/xhad/sitechat/pkg/config"
	"github.com/xhad/sitechat/pkg/llm"
	"github.com/xhad/sitechat/pkg/metrics"
	"github.com/xhad/sitechat/pkg/processor"
	"github.com/xhad/sitechat/pkg/scraper"
	"github.com/xhad/sitechat/pkg/store"
)

type App struct {
	Manager  *session.Manager
	Registry *prometheus.Registry

	index types.EmbeddingIndex
}

type Options struct {
	Logger *zerolog.Logger
	// OnProgress is called for every page the scraper fetches.
	OnProgress func(url string)
}

func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		Provider:  cfg.LLM.Provider,
		Model:     cfg.LLM.EmbeddingModel,
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		BatchSize: cfg.Database.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Provider:     cfg.LLM.Provider,
		Model:        cfg.LLM.Model,
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		HistoryLimit: cfg.LLM.HistoryLimit,
		CiteSources:  cfg.LLM.CiteSources,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	index, err := NewIndex(ctx, cfg, embedder)
	if err != nil {
		return nil, err
	}

	fetcher := scraper.NewWithConfig(scraper.ScraperConfig{
		MaxDepth:          cfg.Scraper.MaxDepth,
		RateLimit:         cfg.Scraper.RateLimit,
		IgnorePatterns:    cfg.Scraper.IgnorePatterns,
		AllowedExtensions: cfg.Scraper.AllowedExtensions,
		Timeout:           cfg.Scraper.Timeout,
		ProbeTimeout:      cfg.Scraper.ProbeTimeout,
		UserAgent:         cfg.Scraper.UserAgent,
		OnProgress:        opts.OnProgress,
		Logger:            &logger,
	})

	chunker := processor.NewWithConfig(processor.ProcessorConfig{
		Splitter:        cfg.Processor.Splitter,
		ChunkSize:       cfg.Processor.ChunkSize,
		ChunkOverlap:    cfg.Processor.ChunkOverlap,
		MinChunkLength:  cfg.Processor.MinChunkLength,
		RemoveStopwords: cfg.Processor.RemoveStopwords,
	})

	manager, err := session.NewManager(session.Dependencies{
		Fetcher:  fetcher,
		Chunker:  chunker,
		Index:    index,
		Answerer: chatEngine,
	}, session.Config{
		Greeting:         cfg.Session.Greeting,
		TopK:             cfg.Database.SearchLimit,
		CondenseQuestion: cfg.LLM.CondenseQuestion,
		CleanupTimeout:   cfg.Session.CleanupTimeout,
		Logger:           &logger,
		Metrics:          metrics.New(registry),
	})
	if err != nil {
		index.Close()
		return nil, err
	}

	logger.Info().
		Str("provider", cfg.LLM.Provider).
		Str("model", cfg.LLM.Model).
		Str("index", cfg.Index.Backend).
		Msg("chat service ready")

	return &App{Manager: manager, Registry: registry, index: index}, nil
}

// NewIndex opens the embedding index selected by cfg.Index.Backend.
func NewIndex(ctx context.Context, cfg *config.Config, embedder embeddings.Embedder) (types.EmbeddingIndex, error) {
	switch cfg.Index.Backend {
	case config.BackendPGVector:
		vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
			ConnString: cfg.Database.URL,
			TableName:  cfg.Database.TableName,
			VectorDim:  cfg.Database.VectorDim,
			BatchSize:  cfg.Database.BatchSize,
		}, embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		return vs, nil
	case config.BackendChromem, "":
		cs, err := store.NewChromem(store.ChromemConfig{
			Path:      cfg.Index.Path,
			Compress:  cfg.Index.Compress,
			BatchSize: cfg.Database.BatchSize,
		}, embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local index: %w", err)
		}
		return cs, nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

// Close waits for pending namespace cleanups and releases the index.
func (a *App) Close() {
	a.Manager.Wait()
	a.index.Close()
}
