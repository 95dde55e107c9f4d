package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/ansuz/internal/agent"
	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/store"
	"github.com/starford/ansuz/internal/tools"
)

// Stack is the set of wired components shared by the daemon and the CLI.
type Stack struct {
	Config    *Config
	Logger    *slog.Logger
	VaultPath string

	DB      *store.DB
	FS      *storage.FS
	Gateway *embedding.Gateway // nil when embeddings are disabled
	Broker  *sse.Broker
	Indexer *indexer.Indexer
	Search  *search.Engine
	Tools   *tools.Executor
	Agent   *agent.Agent // nil when no chat provider is configured
}

// NewLogger builds the JSON logger used by every command.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
}

// Open wires the store, vault, embedding gateway, indexer, search engine,
// tool executor and agent from cfg. The caller must Close the stack.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := store.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	s := &Stack{Config: cfg, Logger: logger, DB: db}

	if err := s.openVault(ctx); err != nil {
		s.Close()
		return nil, err
	}

	provider, err := embedding.NewProvider(ctx, cfg.Embedding.ProviderConfig())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}
	if provider != nil {
		s.Gateway, err = embedding.NewGateway(provider, cfg.Embedding.GatewayConfig(), logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init embedding gateway: %w", err)
		}
	}

	s.Broker = sse.NewBroker(sse.Options{})

	ixDeps := indexer.Deps{Store: db, FS: s.FS, Sink: s.Broker, Logger: logger}
	var queryEmbedder search.QueryEmbedder
	if s.Gateway != nil {
		ixDeps.Embedder = s.Gateway
		queryEmbedder = s.Gateway
	}
	s.Indexer = indexer.New(ixDeps, cfg.Indexer.Options())
	s.Search = search.New(db, queryEmbedder, cfg.Search.MinScore, logger)
	s.Tools = tools.NewExecutor(tools.Deps{
		FS:       s.FS,
		Links:    db,
		Search:   s.Search,
		Enqueuer: s.Indexer,
		Logger:   logger,
	})

	chat, err := agent.NewChatProvider(cfg.Agent.ProviderConfig())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("init chat provider: %w", err)
	}
	if chat != nil {
		s.Agent, err = agent.New(chat, s.Tools, cfg.Agent.Options(), logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init agent: %w", err)
		}
	}

	logger.Info("Components ready",
		slog.String("vault_path", s.VaultPath),
		slog.String("embedding_model", s.EmbeddingModel()),
		slog.Bool("agent", s.Agent != nil))
	return s, nil
}

// openVault resolves the vault root. A path persisted in the settings
// table wins over the configured one.
func (s *Stack) openVault(ctx context.Context) error {
	root := s.Config.Vault.Path
	var persisted string
	err := s.DB.GetSetting(ctx, store.SettingVaultPath, &persisted)
	switch {
	case err == nil && persisted != "":
		root = persisted
	case err != nil && !errors.Is(err, apperr.ErrNotFound):
		return fmt.Errorf("read vault setting: %w", err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	fs, err := storage.NewFS(root)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}
	s.FS = fs
	s.VaultPath = fs.Root()
	return nil
}

// EmbeddingModel returns the active model tag, or "" when disabled.
func (s *Stack) EmbeddingModel() string {
	if s.Gateway == nil {
		return ""
	}
	return s.Gateway.Model()
}

// Close stops the indexer if it is running and releases the store.
func (s *Stack) Close() error {
	if s.Indexer != nil {
		if err := s.Indexer.Stop(); err != nil && !errors.Is(err, apperr.ErrNotRunning) {
			s.Logger.Warn("indexer stop failed", slog.String("error", err.Error()))
		}
	}
	if s.Broker != nil {
		s.Broker.Close()
	}
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
