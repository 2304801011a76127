// Command selfextendd runs the self-extending agent's proposal and
// sandbox-execution subsystem as a standalone daemon: the proposal
// engine, tool registry, sandbox pool, encrypted key store, and the
// periodic cleanup sweep, fronted by an HTTP server exposing /healthz
// and /metrics. It mirrors cmd/nexus/main.go's cobra-based entrypoint
// shape, trimmed to this module's scope.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/selfextend/core/internal/agentsvc"
	"github.com/selfextend/core/internal/config"
	"github.com/selfextend/core/internal/keystore"
	"github.com/selfextend/core/internal/metrics"
	"github.com/selfextend/core/internal/proposal"
	"github.com/selfextend/core/internal/registry"
	"github.com/selfextend/core/internal/sandbox"
	"github.com/selfextend/core/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "selfextendd",
		Short: "Self-extending agent proposal and sandbox-execution daemon",
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("selfextendd %s (%s)\n", version, commit)
			return nil
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proposal engine, sandbox pool, and key store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, listenAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to selfextend.yaml")
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address for /healthz and /metrics")
	return cmd
}

// app bundles the constructed components so serve's shutdown path can
// close them in the right order.
type app struct {
	engine   *proposal.Engine
	pool     *sandbox.Pool
	keys     *keystore.Store
	cleanup  *proposal.CleanupScheduler
	closeFns []func() error
}

func runServe(ctx context.Context, configPath, listenAddr string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = config.ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m := metrics.New()

	a, err := buildApp(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer a.Close(logger)

	a.cleanup.Start()
	defer a.cleanup.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildApp wires storage, the key store, the tool registry, the sandbox
// pool, and the proposal engine per the configured backend selections.
// The agent/memory/config collaborators are the module's external
// boundary (agentsvc.Service, MemoryWriter, ConfigStore): until a real
// agent runtime is wired in by the embedding deployment, the in-memory
// Fake implementations stand in so the daemon is runnable standalone.
func buildApp(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*app, error) {
	backend, err := buildStorageBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}

	keys, err := keystore.Open(ctx, backend, keystore.WithLogger(logger), keystore.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}

	var closeFns []func() error

	poolFactory := sandboxFactory(cfg)
	pool, err := sandbox.NewPool(cfg.Sandbox.PoolMin, cfg.Sandbox.PoolMax, poolFactory,
		sandbox.WithAcquireTimeout(cfg.Sandbox.AcquireTimeout),
		sandbox.WithLogger(logger),
		sandbox.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox pool: %w", err)
	}

	reg := registry.New(pool)

	store, storeCloser, err := buildProposalStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("proposal store: %w", err)
	}
	if storeCloser != nil {
		closeFns = append(closeFns, storeCloser)
	}

	audit, err := proposal.OpenAudit(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	closeFns = append(closeFns, audit.Close)

	agents := agentsvc.NewFakeService()
	memoryWriter := agentsvc.NewFakeMemoryWriter()
	configStore := agentsvc.NewFakeConfigStore()

	engine := proposal.NewEngine(store, reg, agents, memoryWriter, configStore,
		proposal.WithLogger(logger),
		proposal.WithAudit(audit),
		proposal.WithMetrics(m),
	)

	cleanup, err := proposal.NewCleanupScheduler(store, cfg.Proposal.CleanupSchedule, logger,
		proposal.WithCleanupMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("cleanup scheduler: %w", err)
	}

	return &app{engine: engine, pool: pool, keys: keys, cleanup: cleanup, closeFns: closeFns}, nil
}

func buildStorageBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendS3:
		return storage.NewS3Store(ctx, cfg.Storage.S3.Bucket, cfg.Storage.S3.Prefix)
	case config.StorageBackendFile, "":
		return storage.NewFileStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildProposalStore(cfg config.Config) (proposal.Persistence, func() error, error) {
	switch cfg.Proposal.Store {
	case config.ProposalStoreSQLite:
		s, err := proposal.NewSQLiteStore(cfg.Proposal.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.ProposalStoreJSON, "":
		s, err := proposal.NewStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown proposal store kind %q", cfg.Proposal.Store)
	}
}

// sandboxFactory returns a sandbox.Factory for the configured backend.
// docker is the default: it gives a real, kernel-enforced memory ceiling
// and network block via the docker CLI. process is a zero-dependency
// fallback with no hard memory guarantee. The firecracker backend is only
// compiled in on linux; selecting it on another platform yields a factory
// whose every worker creation fails (pre-warm failures are logged by
// NewPool, later ones surface from Checkout).
func sandboxFactory(cfg config.Config) sandbox.Factory {
	switch cfg.Sandbox.Backend {
	case config.SandboxBackendFirecracker:
		return newFirecrackerFactory(cfg)
	case config.SandboxBackendProcess:
		return sandbox.NewProcessWorker
	case config.SandboxBackendDocker, "":
		return sandbox.NewDockerWorker
	default:
		return func() (sandbox.Worker, error) {
			return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
		}
	}
}

func (a *app) Close(logger *slog.Logger) {
	for _, fn := range a.closeFns {
		if err := fn(); err != nil {
			logger.Warn("error closing component during shutdown", "error", err)
		}
	}
}
