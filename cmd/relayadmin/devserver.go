package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayadmin/internal/adminapi"
	"github.com/agentworkforce/relayadmin/internal/devserver"
)

type devserverFlags struct {
	addr        string
	secret      string
	seed        int
	rateLimit   float64
	printToken  bool
	metricsAddr string
}

func devserverCmd(flags *globalFlags) *cobra.Command {
	df := &devserverFlags{}
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local back-office API with a live event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				a.cfg.DevServer.Addr = df.addr
			}
			if cmd.Flags().Changed("jwt-secret") {
				a.cfg.DevServer.JWTSecret = df.secret
			}
			if cmd.Flags().Changed("rate-limit") {
				a.cfg.DevServer.RateLimitPerSecond = df.rateLimit
			}
			if df.metricsAddr != "" {
				a.cfg.Metrics.Addr = df.metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDevserver(ctx, a, df, cmd)
		},
	}
	cmd.Flags().StringVar(&df.addr, "addr", "", "Listen address (default from config, :8080)")
	cmd.Flags().StringVar(&df.secret, "jwt-secret", "", "HS256 secret for bearer credentials")
	cmd.Flags().IntVar(&df.seed, "seed", 0, "Create this many sample announcements at startup")
	cmd.Flags().Float64Var(&df.rateLimit, "rate-limit", 0, "Requests per second per subject, 0 disables")
	cmd.Flags().BoolVar(&df.printToken, "print-token", false, "Print a one-hour credential for the admin subject")
	cmd.Flags().StringVar(&df.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	return cmd
}

func runDevserver(ctx context.Context, a *app, df *devserverFlags, cmd *cobra.Command) error {
	cfg := a.cfg.DevServer
	server := devserver.NewServerWithConfig(nil, devserver.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		Logger:             a.logger,
	})
	for i := 0; i < df.seed; i++ {
		server.Seed(adminapi.CreateAnnouncementInput{
			Title:    fmt.Sprintf("Sample announcement %d", i+1),
			Body:     "Seeded by the development server.",
			IsActive: i%2 == 0,
		})
	}
	if df.printToken {
		token, err := devserver.IssueToken(cfg.JWTSecret, "admin@example.com", time.Hour)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	a.serveMetrics(ctx, a.cfg.Metrics.Addr)

	srv := &http.Server{Handler: server, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()
	a.logger.Info("devserver listening", "addr", listener.Addr().String(), "seeded", df.seed)

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	// Open event streams never finish on their own.
	server.DropConnections()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info("devserver stopped")
	return nil
}

func devTokenCmd(flags *globalFlags) *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Issue a credential accepted by the development server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("secret") {
				a, err := loadApp(flags, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				secret = a.cfg.DevServer.JWTSecret
			}
			token, err := devserver.IssueToken(secret, subject, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret (default from config)")
	cmd.Flags().StringVar(&subject, "subject", "admin@example.com", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Granted scopes (default read and write)")
	return cmd
}
