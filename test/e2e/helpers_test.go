//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pendergraft/sorobanregistry/internal/config"
	"github.com/pendergraft/sorobanregistry/internal/sandbox/sandboxtest"
	"github.com/pendergraft/sorobanregistry/internal/server"
	"github.com/pendergraft/sorobanregistry/internal/storage"
	"github.com/pendergraft/sorobanregistry/pkg/client"
)

const notifyChannel = "registry.e2e.incidents"

// TestContext holds shared test infrastructure
type TestContext struct {
	PostgresContainer *postgres.PostgresContainer
	RedisContainer    *tcredis.RedisContainer
	ConnString        string
	RedisURL          string
	TestServer        *httptest.Server
	Store             storage.Store
	APIKey            string

	mu  sync.Mutex
	seq uint32
}

// setupPostgresE starts a Postgres container and returns the connection string
func setupPostgresE(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("registry"),
		postgres.WithUsername("registry"),
		postgres.WithPassword("registry"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get postgres connection string: %w", err)
	}
	return container, connString, nil
}

// setupRedisE starts a Redis container for the read cache and notifications
func setupRedisE(ctx context.Context) (*tcredis.RedisContainer, string, error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, "", fmt.Errorf("failed to start redis container: %w", err)
	}
	url, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get redis connection string: %w", err)
	}
	return container, url, nil
}

// startServerE wires the full stack against the containers. No ledger
// source is configured; tests seed ledgers through the store.
func startServerE(ctx context.Context, tc *TestContext) (func(), error) {
	cfg := &config.Config{
		Server: config.ServerConfig{RequestTimeout: 60, MaxBodySizeMB: 8, AllowedOrigins: []string{"*"}},
		Storage: config.StorageConfig{
			Type:     "postgres",
			Postgres: config.PostgresConfig{URL: tc.ConnString},
		},
		Auth:      config.AuthConfig{Type: "api-key"},
		Cache:     config.CacheConfig{Enabled: true, Type: "redis", RedisURL: tc.RedisURL, TTLSeconds: 60},
		Logging:   config.LoggingConfig{Level: "debug", Format: "text"},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Indexer:   config.IndexerConfig{Enabled: true, BatchSize: 10, PollInterval: time.Second},
		Sandbox:   config.SandboxConfig{WorkDir: os.TempDir(), MaxConcurrent: 2, QueueSize: 4, BuildTimeout: time.Minute},
		Verification: config.VerificationConfig{
			MismatchIncidents: true,
			MismatchCategory:  "other",
		},
		Incidents: config.IncidentsConfig{Workers: 2, ResumeInterval: time.Second, ActionTimeout: 5 * time.Second},
		Notify:    config.NotifyConfig{Type: "redis", RedisURL: tc.RedisURL, RedisChannel: notifyChannel},
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	comps, err := server.Build(cfg, store, &sandboxtest.Builder{}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	srv, err := server.New(cfg, store, comps, logger)
	if err != nil {
		comps.Close()
		store.Close()
		return nil, err
	}

	key, err := store.CreateAPIKey(ctx, "e2e")
	if err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		comps.Run(runCtx)
	}()

	tc.TestServer = httptest.NewServer(srv.Handler())
	tc.Store = store
	tc.APIKey = key

	return func() {
		tc.TestServer.Close()
		cancel()
		<-done
		srv.Close()
		comps.Close()
		store.Close()
	}, nil
}

// newClient creates an API client for the test server
func newClient(apiKey string) *client.Client {
	return client.New(testCtx.TestServer.URL, apiKey)
}

// deploy commits one ledger that deploys code under contractID and returns
// the new current version
func deploy(t *testing.T, contractID string, code []byte) *storage.ContractVersion {
	t.Helper()
	ctx := context.Background()

	testCtx.mu.Lock()
	testCtx.seq++
	seq := testCtx.seq
	testCtx.mu.Unlock()

	_, err := testCtx.Store.CommitLedger(ctx, storage.LedgerCommit{
		Network:  "testnet",
		Sequence: seq,
		ClosedAt: time.Now().UTC(),
		Deployments: []storage.ObservedDeployment{{
			ContractID:   contractID,
			BytecodeHash: storage.ComputeHash(code),
			Bytecode:     code,
		}},
	})
	require.NoError(t, err)

	c, err := testCtx.Store.GetContract(ctx, "testnet", contractID)
	require.NoError(t, err)
	v, err := testCtx.Store.GetVersion(ctx, c.CurrentVersionID)
	require.NoError(t, err)
	return v
}
