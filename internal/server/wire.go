package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pendergraft/sorobanregistry/internal/cache"
	"github.com/pendergraft/sorobanregistry/internal/config"
	incidentsDomain "github.com/pendergraft/sorobanregistry/internal/incidents/domain"
	"github.com/pendergraft/sorobanregistry/internal/incidents/recovery"
	indexerDomain "github.com/pendergraft/sorobanregistry/internal/indexer/domain"
	"github.com/pendergraft/sorobanregistry/internal/ledger"
	"github.com/pendergraft/sorobanregistry/internal/ledger/retry"
	"github.com/pendergraft/sorobanregistry/internal/ledger/stellar"
	"github.com/pendergraft/sorobanregistry/internal/notify"
	"github.com/pendergraft/sorobanregistry/internal/sandbox"
	"github.com/pendergraft/sorobanregistry/internal/sandbox/cargo"
	"github.com/pendergraft/sorobanregistry/internal/storage"
	verificationDomain "github.com/pendergraft/sorobanregistry/internal/verification/domain"
)

// Components are the domain services shared by the HTTP server and the
// command line.
type Components struct {
	Indexer      *indexerDomain.Service
	Verification *verificationDomain.Service
	Coordinator  *incidentsDomain.Coordinator
	Sandbox      *sandbox.Sandbox

	cache    cache.Cache
	notifier notify.Notifier
	logger   *slog.Logger
	indexing bool
}

// Build constructs every domain service from configuration. The builder
// may be nil, in which case cargo is used.
func Build(cfg *config.Config, store storage.Store, builder sandbox.Builder, logger *slog.Logger) (*Components, error) {
	c, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	sources := ledger.NewRegistry()
	for name, url := range cfg.Networks.RPCURLs() {
		network, err := ledger.ParseNetwork(name)
		if err != nil {
			c.Close()
			return nil, err
		}
		sources.Register(stellar.New(stellar.Options{
			Network:        network,
			RPCURL:         url,
			BufferSize:     uint32(cfg.Networks.BufferSize),
			RequestsPerSec: cfg.Networks.RequestsPerSec,
			FetchTimeout:   cfg.Networks.FetchTimeout,
		}, logger.With("network", name)))
	}

	indexer := indexerDomain.NewService(store, sources, retry.NewStrategy(cfg.Retry, logger), c, logger,
		indexerDomain.Options{
			BatchSize:    cfg.Indexer.BatchSize,
			PollInterval: cfg.Indexer.PollInterval,
			StartLedgers: cfg.Indexer.StartLedgers,
		})

	toolchains, err := sandbox.LoadToolchains(cfg.Sandbox.ToolchainsFile)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("loading toolchains: %w", err)
	}
	if builder == nil {
		builder = cargo.New(cfg.Sandbox.CargoPath)
	}
	sb, err := sandbox.New(sandbox.Options{
		Builder:       builder,
		Toolchains:    toolchains,
		Limits:        sandbox.LimitsFromConfig(cfg.Sandbox),
		WorkDir:       cfg.Sandbox.WorkDir,
		BaseEnv:       sandbox.HostEnv(),
		CargoRegistry: cfg.Sandbox.CargoRegistry,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		QueueSize:     cfg.Sandbox.QueueSize,
	}, logger.With("component", "sandbox"))
	if err != nil {
		c.Close()
		return nil, err
	}

	category, err := recovery.ParseCategory(cfg.Verification.MismatchCategory)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("VERIFY_MISMATCH_CATEGORY: %w", err)
	}
	verification := verificationDomain.NewService(store, sb, c, logger, verificationDomain.Options{
		MismatchIncidents: cfg.Verification.MismatchIncidents,
		MismatchCategory:  string(category),
	})

	playbook, err := recovery.LoadPlaybook(cfg.Incidents.PlaybookFile)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("loading playbook: %w", err)
	}
	var operator recovery.Operator = recovery.NewLogOperator(logger)
	if cfg.Incidents.WebhookURL != "" {
		operator = recovery.NewWebhookOperator(cfg.Incidents.WebhookURL, cfg.Incidents.ActionTimeout)
	}
	strategies := recovery.NewStrategies(playbook, recovery.Deps{
		Operator:  operator,
		Contracts: indexer,
		Verifier:  verification,
	}, logger)

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("creating notifier: %w", err)
	}

	coordinator := incidentsDomain.NewCoordinator(store, strategies, operator, notifier, c, logger,
		incidentsDomain.Options{
			Workers:        cfg.Incidents.Workers,
			ResumeInterval: cfg.Incidents.ResumeInterval,
		})
	indexer.SetIncidentReporter(coordinator)
	verification.SetIncidentReporter(coordinator)

	return &Components{
		Indexer:      indexer,
		Verification: verification,
		Coordinator:  coordinator,
		Sandbox:      sb,
		cache:        c,
		notifier:     notifier,
		logger:       logger,
		indexing:     cfg.Indexer.Enabled,
	}, nil
}

// Run drives the background loops until ctx is cancelled.
func (c *Components) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.indexing {
		g.Go(func() error { return c.Indexer.Run(ctx) })
	} else {
		c.logger.Info("indexer disabled")
	}
	g.Go(func() error { return c.Coordinator.Run(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the cache and notifier connections.
func (c *Components) Close() error {
	return errors.Join(c.notifier.Close(), c.cache.Close())
}
