package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lexlapax/engram/pkg/cogmem"
	"github.com/lexlapax/engram/pkg/config"
	"github.com/lexlapax/engram/pkg/errors"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	envFile     string
	metricsAddr string
)

// rootCmd runs the interactive shell when no subcommand is given.
var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "Inspect and maintain an engram memory store",
	Long: `memctl opens the store named in the configuration and either starts an
interactive shell or runs a single maintenance command.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, client *cogmem.Client) error {
			return runShell(ctx, client)
		})
	},
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Start the interactive shell",
	Args:  cobra.NoArgs,
	RunE:  rootCmd.RunE,
}

func init() {
	rootCmd.AddCommand(shellCmd)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: first of ./configs/config.yaml, ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Environment file loaded before the configuration (default: .env if present)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withClient loads the environment and configuration, opens a client and
// hands it to fn. The client is closed when fn returns.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, client *cogmem.Client) error) error {
	ctx := cmd.Context()

	if err := loadEnv(envFile); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := log.Setup(cfg.Logging)

	client, err := cogmem.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("Failed to close store", "error", err)
		}
	}()

	if metricsAddr != "" && client.Registry != nil {
		metricsCtx, cancel := context.WithCancel(ctx)
		done := serveMetrics(metricsCtx, newMetricsServer(client.Registry, metricsAddr))
		defer func() {
			cancel()
			<-done
		}()
	} else if metricsAddr != "" {
		log.Warn("Metrics are disabled in the configuration, not serving", "addr", metricsAddr)
	}

	return fn(log.WithLogger(ctx, logger), client)
}

// loadEnv loads an explicit env file, or .env when present.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	return nil
}

// defaultConfigPaths are searched in order when no -config flag is given.
var defaultConfigPaths = []string{
	"./configs/config.yaml",
	"./config.yaml",
	"../configs/config.yaml",
}

// loadConfig reads the named file, or the first default location that
// exists. Without any file the defaults apply, with environment overrides.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}

	for _, candidate := range defaultConfigPaths {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		log.Info("Loading configuration", "path", candidate)
		cfg, err := config.LoadFromFile(candidate)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", candidate, err)
		}
		return cfg, nil
	}

	log.Info("No configuration file found, using defaults")
	return config.LoadFromBytes(nil)
}

// shutdownTimeout bounds how long in-flight scrapes may take once the
// command is done.
const shutdownTimeout = 5 * time.Second

func newMetricsServer(registry *prometheus.Registry, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveMetrics runs srv until ctx is cancelled, then shuts it down. The
// returned channel is closed once the server has stopped.
func serveMetrics(ctx context.Context, srv *http.Server) <-chan struct{} {
	done := make(chan struct{})
	errc := make(chan error, 1)

	go func() {
		log.Info("Serving metrics", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	go func() {
		defer close(done)
		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server stopped", "error", err)
			}
			return
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shut down metrics server", "error", err)
		}
		<-errc
	}()
	return done
}
