// Package main is the relayadmin command line: a live view of the
// announcement counters, confirmed back-office mutations and a local
// development server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayadmin/internal/adminapi"
	"github.com/agentworkforce/relayadmin/internal/config"
	"github.com/agentworkforce/relayadmin/internal/confirm"
	"github.com/agentworkforce/relayadmin/internal/realtime"
	"github.com/agentworkforce/relayadmin/internal/retry"
	"github.com/agentworkforce/relayadmin/internal/session"
	"github.com/agentworkforce/relayadmin/internal/telemetry"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "relayadmin"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	baseURL    string
	token      string
	tokenFile  string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Real-time announcement back-office client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.baseURL, "base-url", "", "Back-office API base URL")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer credential")
	cmd.PersistentFlags().StringVar(&flags.tokenFile, "token-file", "", "File holding the bearer credential; watched for changes")

	cmd.AddCommand(
		watchCmd(flags),
		announcementsCmd(flags),
		devserverCmd(flags),
		devTokenCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

// app is the shared runtime built from config and flags.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
}

func loadApp(flags *globalFlags, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.baseURL != "" {
		cfg.API.BaseURL = flags.baseURL
	}
	if flags.token != "" {
		cfg.Credential.Token = flags.token
	}
	if flags.tokenFile != "" {
		cfg.Credential.File = flags.tokenFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(stderr, cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &app{cfg: cfg, logger: logger, registry: registry, metrics: metrics}, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (a *app) apiClient() *adminapi.Client {
	return adminapi.NewClient(adminapi.Options{
		BaseURL:           a.cfg.API.BaseURL,
		HTTPClient:        &http.Client{Timeout: a.cfg.API.Timeout},
		MaxRetries:        a.cfg.API.MaxRetries,
		RequestsPerSecond: a.cfg.API.RequestsPerSecond,
		Burst:             a.cfg.API.Burst,
		Logger:            a.logger,
	})
}

func (a *app) newSession(gate *confirm.Gate) (*session.Session, error) {
	eventsURL, err := a.cfg.ResolvedEventsURL()
	if err != nil {
		return nil, err
	}
	conn := a.cfg.Connection
	base := a.cfg.Baseline
	return session.New(session.Options{
		API: a.apiClient(),
		Connection: realtime.Options{
			URL:              eventsURL,
			Backoff:          retry.Backoff{BaseDelay: conn.BaseDelay, MaxDelay: conn.MaxDelay, Jitter: conn.Jitter},
			MaxAttempts:      conn.MaxAttempts,
			HandshakeTimeout: conn.HandshakeTimeout,
			PingInterval:     conn.PingInterval,
			ReadLimit:        conn.ReadLimit,
		},
		Gate:            gate,
		BaselineBackoff: retry.Backoff{BaseDelay: base.BaseDelay, MaxDelay: base.MaxDelay, Jitter: base.Jitter},
		BaselineRetries: base.MaxAttempts,
		Logger:          a.logger,
		Metrics:         a.metrics,
	})
}

func (a *app) newGate() (*confirm.Gate, error) {
	mode, err := confirm.ParseMode(a.cfg.Confirm.Mode)
	if err != nil {
		return nil, err
	}
	return confirm.NewGate(confirm.Options{Mode: mode, Logger: a.logger, Metrics: a.metrics}), nil
}

// serveMetrics exposes /metrics on addr until ctx is done. An empty addr
// disables it.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if strings.TrimSpace(addr) == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// requireCredential returns the configured credential or an error naming
// the ways to provide one.
func (a *app) requireCredential() (string, error) {
	token, err := a.cfg.ReadCredential()
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("credential is required (--token, --token-file, RELAYADMIN_TOKEN or RELAYADMIN_TOKEN_FILE)")
	}
	return token, nil
}
