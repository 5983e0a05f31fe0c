package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayadmin/internal/realtime"
	"github.com/agentworkforce/relayadmin/internal/reconcile"
)

func watchCmd(flags *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live announcement counters and connection state",
		Long: `Signs in, loads the announcement counters and keeps them current from
the event stream. SIGHUP forces a reconnect with the current credential.
With --token-file the file is watched and a changed token re-signs in.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				a.cfg.Metrics.Addr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, a, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	return cmd
}

func runWatch(ctx context.Context, a *app, out io.Writer) error {
	gate, err := a.newGate()
	if err != nil {
		return err
	}
	sess, err := a.newSession(gate)
	if err != nil {
		return err
	}
	a.serveMetrics(ctx, a.cfg.Metrics.Addr)

	printer := &statusPrinter{out: out}
	unsubscribeView := sess.SubscribeAnnouncements(printer.view)
	defer unsubscribeView()
	unsubscribeConn := sess.SubscribeConnection(realtime.ObserverFuncs{
		OnState: func(_, next realtime.State) { printer.connection(next) },
	})
	defer unsubscribeConn()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if a.cfg.Credential.File != "" {
		go func() {
			if err := sess.WatchCredentialFile(ctx, a.cfg.Credential.File); err != nil && ctx.Err() == nil {
				a.logger.Error("credential watch stopped", "error", err)
			}
		}()
	} else {
		token, err := a.requireCredential()
		if err != nil {
			return err
		}
		if _, err := sess.SignIn(ctx, token); err != nil {
			return err
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return <-runErr
		case err := <-runErr:
			return err
		case <-hup:
			a.logger.Info("reconnect requested")
			if _, err := sess.Reconnect(ctx); err != nil {
				a.logger.Warn("reconnect failed", "error", err)
			}
		}
	}
}

// statusPrinter writes one line per visible change. Views arrive from more
// than one goroutine, so any view older than the last one printed is
// dropped.
type statusPrinter struct {
	mu          sync.Mutex
	out         io.Writer
	lastLine    string
	lastVersion uint64
	seenView    bool
}

func (p *statusPrinter) connection(state realtime.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printLocked("connection: " + state.String())
}

func (p *statusPrinter) view(v reconcile.AggregateView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seenView && v.Version <= p.lastVersion {
		return
	}
	p.seenView = true
	p.lastVersion = v.Version
	p.printLocked("announcements: " + formatView(v))
}

func (p *statusPrinter) printLocked(line string) {
	if line == p.lastLine {
		return
	}
	p.lastLine = line
	fmt.Fprintln(p.out, line)
}

// formatView renders the counters, never showing a number that is not
// backed by a baseline as if it were current.
func formatView(v reconcile.AggregateView) string {
	total := v.Counters[reconcile.TotalAnnouncements]
	active := v.Counters[reconcile.ActiveAnnouncements]
	switch {
	case v.Authoritative():
		return fmt.Sprintf("total=%d active=%d", total, active)
	case v.Err != nil && v.Counters == nil:
		return fmt.Sprintf("unavailable (%v)", v.Err)
	case v.Err != nil:
		return fmt.Sprintf("total=%d active=%d (stale: %v)", total, active, v.Err)
	case v.Stale:
		return fmt.Sprintf("total=%d active=%d (stale)", total, active)
	case v.Counters != nil:
		return fmt.Sprintf("total=%d active=%d (refreshing)", total, active)
	default:
		return "loading"
	}
}
