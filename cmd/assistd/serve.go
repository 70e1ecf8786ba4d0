package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/lifecycle"
	"github.com/tjfontaine/assistd/internal/provider"
	openaiprovider "github.com/tjfontaine/assistd/internal/provider/openai"
	"github.com/tjfontaine/assistd/internal/server"
	"github.com/tjfontaine/assistd/internal/storage"
	"github.com/tjfontaine/assistd/internal/storage/memory"
	"github.com/tjfontaine/assistd/internal/storage/sqlite"
	"github.com/tjfontaine/assistd/internal/telemetry"
	"github.com/tjfontaine/assistd/internal/tokens"
)

const shutdownTimeout = 30 * time.Second

var (
	serveLifecycleDir   string
	serveStartupTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant server",
	Long: `Start the HTTP server. Startup progress is written to
<lifecycle_dir>/status.json: "starting" first, then "ready" once the port is
bound or "error" with a message. The process exits 1 on a startup failure.

The lifecycle dir and startup timeout are taken from flags or ASSISTD_*
variables only, since "starting" is written before any file is read.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveLifecycleDir, "lifecycle-dir", "", "Directory for status.json (overrides ASSISTD_SERVER__LIFECYCLE_DIR)")
	serveCmd.Flags().DurationVar(&serveStartupTimeout, "startup-timeout", 0, "Bound on validation plus bind (overrides ASSISTD_SERVER__STARTUP_TIMEOUT)")
}

// components are built during startup validation and used once ready.
type components struct {
	cfg      *config.Config
	provider domain.Provider
	builder  *provider.Builder
	store    storage.InteractionStore
}

func (c *components) close() {
	if c != nil && c.store != nil {
		_ = c.store.Close()
	}
}

// startup holds what the validate step produced. The step may still be
// running after Start gave up on it, so hand-off goes through a lock.
type startup struct {
	mu       sync.Mutex
	built    *components
	finished bool
}

// offer keeps c unless startup already finished, in which case c is
// released and false returned.
func (s *startup) offer(c *components) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		c.close()
		return false
	}
	s.built = c
	return true
}

// finish ends the hand-off and returns what was built, if anything.
func (s *startup) finish() *components {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return s.built
}

func runServe(cmd *cobra.Command, args []string) error {
	// Only the environment is read before "starting" is written.
	boot, envErr := config.LoadEnv()

	logger := newLogger(boot)
	slog.SetDefault(logger)

	dir := lifecycleDir(boot)
	statusStore := lifecycle.NewStatusStore(dir)

	reg := provider.NewRegistry()
	openaiprovider.Register(reg)

	var st startup
	ctrl := &lifecycle.Controller{
		Store:   statusStore,
		Logger:  logger,
		Timeout: startupTimeout(boot),
		Validate: func(ctx context.Context) error {
			if envErr != nil {
				return envErr
			}
			// Load .env file if it exists
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if serveLifecycleDir == "" && cfg.Server.LifecycleDir != dir {
				logger.Warn("server.lifecycle_dir from the config file is ignored; use --lifecycle-dir or ASSISTD_SERVER__LIFECYCLE_DIR",
					slog.String("configured", cfg.Server.LifecycleDir),
					slog.String("using", dir),
				)
			}

			c, err := buildComponents(ctx, cfg, reg)
			if err != nil {
				return err
			}
			if !st.offer(&c) {
				return ctx.Err()
			}
			return nil
		},
		Bind: func(ctx context.Context) (net.Listener, error) {
			st.mu.Lock()
			addr := st.built.cfg.Addr()
			st.mu.Unlock()

			var lc net.ListenConfig
			return lc.Listen(ctx, "tcp", addr)
		},
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := ctrl.Start(ctx)
	built := st.finish()
	if err != nil {
		// The controller has logged and persisted the failure.
		built.close()
		return err
	}
	defer built.close()

	cfg := built.cfg
	logger = newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, logger)
		if err != nil {
			logger.Warn("tracing disabled", slog.String("error", err.Error()))
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
				}
			}()
		}
	}

	srv := server.New(server.Options{
		Provider:       built.provider,
		Builder:        built.builder,
		Model:          cfg.Model,
		Store:          built.store,
		Status:         statusStore,
		Estimator:      tokens.NewEstimator(),
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit:      cfg.Server.RateLimit,
		CORSOrigins:    cfg.Server.CORSOrigins,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return <-errCh
}

// buildComponents validates the configuration and constructs everything a
// request needs, so that any failure is reported before the port is bound.
// Nothing is left open when it returns an error.
func buildComponents(ctx context.Context, cfg *config.Config, reg *provider.Registry) (components, error) {
	if err := reg.Err(); err != nil {
		return components{}, err
	}
	if _, err := config.Validate(cfg, reg.Types()...); err != nil {
		return components{}, err
	}

	resolver := provider.NewResolver(provider.ResponsesRules(cfg.Provider.ResponsesPrefixes)...)
	p, err := reg.Create(cfg.Provider, resolver)
	if err != nil {
		return components{}, err
	}

	if err := ctx.Err(); err != nil {
		return components{}, err
	}
	store, err := openStore(cfg.Storage)
	if err != nil {
		return components{}, err
	}
	if err := ctx.Err(); err != nil {
		_ = store.Close()
		return components{}, err
	}

	return components{
		cfg:      cfg,
		provider: p,
		builder:  provider.NewBuilder(resolver),
		store:    store,
	}, nil
}

func openStore(cfg config.StorageConfig) (storage.InteractionStore, error) {
	switch cfg.Type {
	case "sqlite":
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open interaction store: %w", err)
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	default:
		return storage.Nop{}, nil
	}
}

func startupTimeout(cfg *config.Config) time.Duration {
	switch {
	case serveStartupTimeout > 0:
		return serveStartupTimeout
	case cfg != nil:
		return cfg.Server.StartupTimeout
	default:
		return 0
	}
}

func lifecycleDir(cfg *config.Config) string {
	switch {
	case serveLifecycleDir != "":
		return serveLifecycleDir
	case cfg != nil && cfg.Server.LifecycleDir != "":
		return cfg.Server.LifecycleDir
	default:
		return ".assistd"
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, format := slog.LevelInfo, "json"
	if cfg != nil {
		format = cfg.Log.Format
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			level = slog.LevelInfo
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
