// Command snatchd runs the capacity-snatching orchestrator: the REST
// surface, the executor pool, and the startup recovery pass, all in one
// process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/snatchd/snatchd/pkg/action"
	"github.com/snatchd/snatchd/pkg/dispatch"
	"github.com/snatchd/snatchd/pkg/httpapi"
	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/metrics"
	"github.com/snatchd/snatchd/pkg/network"
	"github.com/snatchd/snatchd/pkg/notify"
	"github.com/snatchd/snatchd/pkg/profilestore"
	"github.com/snatchd/snatchd/pkg/provider"
	"github.com/snatchd/snatchd/pkg/recovery"
	"github.com/snatchd/snatchd/pkg/snatch"
	"github.com/snatchd/snatchd/pkg/taskregistry"
	"github.com/snatchd/snatchd/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "snatchd",
	Short: "snatchd - capacity-snatching cloud compute orchestrator",
	Long: `snatchd repeatedly attempts to launch compute instances against
shape/region combinations that are usually out of capacity, rotating
across availability domains and backing off on capacity pressure, with a
durable, resumable task registry behind a small REST surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"snatchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// fileConfig is the optional YAML server configuration; flags override it
// field by field when set explicitly.
type fileConfig struct {
	DataDir           string `yaml:"data_dir"`
	BindAddr          string `yaml:"bind_addr"`
	WorkerConcurrency int    `yaml:"worker_concurrency"`
	PanelAPIKey       string `yaml:"panel_api_key"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST surface, executor pool, and recovery pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := fileConfig{
			DataDir:           "./data",
			BindAddr:          ":8480",
			WorkerConcurrency: 8,
		}

		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("parse config file: %w", err)
			}
		}

		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
		}
		if cmd.Flags().Changed("bind-addr") {
			cfg.BindAddr, _ = cmd.Flags().GetString("bind-addr")
		}
		if cmd.Flags().Changed("worker-concurrency") {
			cfg.WorkerConcurrency, _ = cmd.Flags().GetInt("worker-concurrency")
		}
		if cmd.Flags().Changed("panel-api-key") {
			cfg.PanelAPIKey, _ = cmd.Flags().GetString("panel-api-key")
		}

		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Optional YAML config file")
	serveCmd.Flags().String("data-dir", "./data", "Directory for the task database and config files")
	serveCmd.Flags().String("bind-addr", ":8480", "HTTP listen address")
	serveCmd.Flags().Int("worker-concurrency", 8, "Executor pool size (>= expected simultaneous snatch count)")
	serveCmd.Flags().String("panel-api-key", "", "Bearer key admitted on the REST surface (empty disables bearer auth)")
}

func serve(cfg fileConfig) error {
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	profiles := profilestore.New(
		filepath.Join(cfg.DataDir, "oci_profiles.json"),
		filepath.Join(cfg.DataDir, "default_ssh_key.json"),
	)

	registry, err := taskregistry.Open(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		metrics.RegisterComponent("taskregistry", false, err.Error())
		return err
	}
	defer registry.Close()
	metrics.RegisterComponent("taskregistry", true, "")

	settings := notify.NewSettings(
		filepath.Join(cfg.DataDir, "tg_settings.json"),
		filepath.Join(cfg.DataDir, "cloudflare_settings.json"),
	)
	telegram := notify.NewTelegramSink(settings)
	dns := notify.NewCloudflareBinder(settings)

	newBundle := func(ctx context.Context, profile *types.Profile) (*provider.Bundle, error) {
		return provider.New(ctx, profile, false)
	}
	newBootstrapper := func(bundle *provider.Bundle) snatch.Bootstrapper {
		return network.New(bundle, profiles)
	}

	engine := snatch.New(registry, profiles, telegram, dns, newBundle, newBootstrapper)
	executor := action.New(registry, profiles, telegram, dns, newBundle)
	dispatcher := dispatch.New(engine, executor, cfg.WorkerConcurrency)

	if err := recovery.Run(registry, profiles, dispatcher); err != nil {
		logger.Error().Err(err).Msg("recovery pass failed")
	}

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	api := httpapi.NewServer(httpapi.Config{
		PanelAPIKey: cfg.PanelAPIKey,
	}, profiles, registry, dispatcher, settings, httpapi.NewProviderGateway())
	metrics.RegisterComponent("httpapi", true, "")

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("HTTP surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	// In-flight snatch rows stay running and are recovered on next start.
	dispatcher.Shutdown(15 * time.Second)
	return nil
}
