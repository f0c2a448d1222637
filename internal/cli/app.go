package cli

import (
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/justify"
	"github.com/opensource-finance/kestrel/internal/llm"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// app holds the components shared by the commands that run the pipeline.
type app struct {
	cfg     *domain.Config
	logger  *slog.Logger
	store   *policy.Store
	repo    domain.Repository
	cache   domain.Cache
	metrics *metrics.Collector
	runner  *pipeline.Runner
}

// newApp wires the pipeline from cfg. The repository is opened when the
// audit ledger is enabled or when needRepo is set.
func newApp(cfg *domain.Config, logger *slog.Logger, needRepo bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := policy.NewStore(cfg.Policy.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy %q: %w", cfg.Policy.Path, err)
	}
	a.store = store
	spec, _ := store.Current()
	logger.Info("policy loaded",
		"path", cfg.Policy.Path,
		"name", spec.Name(),
		"version", spec.Version(),
		"hash", spec.Hash(),
		"rules", len(spec.Blocks()),
	)

	if needRepo || cfg.Pipeline.AuditEnabled {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize repository: %w", err)
		}
		a.repo = repo
		logger.Debug("repository initialized", "driver", cfg.Repository.Driver)
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.cache = c
	logger.Debug("cache initialized", "type", cfg.Cache.Type)

	collab, err := llm.New(cfg.LLM)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize llm collaborator: %w", err)
	}
	logger.Debug("llm collaborator initialized", "provider", cfg.LLM.Provider, "model", collab.Model())

	a.metrics = metrics.New(cfg.Metrics, nil)
	if sr, ok := c.(domain.CacheStatsReporter); ok {
		a.metrics.WatchCache(sr)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithRecorder(a.metrics),
	}
	if cfg.Pipeline.AuditEnabled && a.repo != nil {
		opts = append(opts, pipeline.WithRepository(a.repo))
	}
	a.runner = pipeline.New(store, justify.NewStage(collab, c, cfg.LLM, logger), opts...)
	return a, nil
}

// Close releases the repository and cache.
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close cache", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("failed to close repository", "error", err)
		}
	}
}
