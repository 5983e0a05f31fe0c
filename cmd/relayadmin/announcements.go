package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayadmin/internal/adminapi"
	"github.com/agentworkforce/relayadmin/internal/confirm"
	"github.com/agentworkforce/relayadmin/internal/realtime"
	"github.com/agentworkforce/relayadmin/internal/reconcile"
	"github.com/agentworkforce/relayadmin/internal/session"
)

func announcementsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "announcements",
		Aliases: []string{"ann"},
		Short:   "List and change announcements",
	}
	cmd.AddCommand(
		listAnnouncementsCmd(flags),
		createAnnouncementCmd(flags),
		deleteAnnouncementCmd(flags),
		activationCmd(flags, "activate", true),
		activationCmd(flags, "deactivate", false),
	)
	return cmd
}

func listAnnouncementsCmd(flags *globalFlags) *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List announcements",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := a.signedInClient()
			if err != nil {
				return err
			}
			items, err := client.ListAnnouncements(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			return writeAnnouncements(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list active announcements")
	return cmd
}

func createAnnouncementCmd(flags *globalFlags) *cobra.Command {
	var in adminapi.CreateAnnouncementInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an announcement",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			client, err := a.signedInClient()
			if err != nil {
				return err
			}
			item, err := client.CreateAnnouncement(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", item.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "Announcement title")
	cmd.Flags().StringVar(&in.Body, "body", "", "Announcement body")
	cmd.Flags().BoolVar(&in.IsActive, "active", false, "Publish immediately")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

type mutationFlags struct {
	yes  bool
	wait time.Duration
}

func (f *mutationFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Approve the confirmation without prompting")
	cmd.Flags().DurationVar(&f.wait, "wait", 10*time.Second, "How long to wait for the live counters to reflect the change")
}

func deleteAnnouncementCmd(flags *globalFlags) *cobra.Command {
	mf := &mutationFlags{}
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an announcement after confirmation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return runMutation(cmd, flags, mf, func(ctx context.Context, sess *session.Session) (bool, error) {
				return sess.DeleteAnnouncement(ctx, id, "")
			})
		},
	}
	mf.register(cmd)
	return cmd
}

func activationCmd(flags *globalFlags, use string, active bool) *cobra.Command {
	mf := &mutationFlags{}
	short := "Publish an announcement"
	if !active {
		short = "Withdraw an announcement after confirmation"
	}
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return runMutation(cmd, flags, mf, func(ctx context.Context, sess *session.Session) (bool, error) {
				_, changed, err := sess.SetAnnouncementActive(ctx, id, active)
				return changed, err
			})
		},
	}
	mf.register(cmd)
	return cmd
}

// runMutation signs in, waits for an authoritative view, performs mutate
// with the terminal as the confirmation surface and then waits until the
// resulting event has been merged.
func runMutation(cmd *cobra.Command, flags *globalFlags, mf *mutationFlags, mutate func(context.Context, *session.Session) (bool, error)) error {
	a, err := loadApp(flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	token, err := a.requireCredential()
	if err != nil {
		return err
	}
	gate, err := a.newGate()
	if err != nil {
		return err
	}
	sess, err := a.newSession(gate)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(runCtx) }()
	defer func() {
		cancelRun()
		<-runErr
	}()

	state, err := sess.SignIn(ctx, token)
	if err != nil {
		return err
	}
	if state.Phase != realtime.Connected {
		return fmt.Errorf("event connection is %s", state)
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, mf.wait)
	defer cancelWait()
	before, err := sess.WaitForAnnouncements(waitCtx, reconcile.AggregateView.Authoritative)
	if err != nil {
		return fmt.Errorf("announcement counters unavailable: %w", errors.Join(err, before.Err))
	}

	out := cmd.OutOrStdout()
	if mf.yes {
		unsubscribe := autoApprove(gate)
		defer unsubscribe()
	} else {
		surfaceCtx, cancelSurface := context.WithCancel(ctx)
		defer cancelSurface()
		go func() { _ = confirm.TerminalSurface{In: cmd.InOrStdin(), Out: out}.Serve(surfaceCtx, gate) }()
	}

	changed, err := mutate(ctx, sess)
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintln(out, "cancelled")
		return nil
	}

	after, err := sess.WaitForAnnouncements(waitCtx, func(v reconcile.AggregateView) bool {
		return v.Authoritative() && v.Version > before.Version && v.AppliedEventCount > before.AppliedEventCount
	})
	if err != nil {
		fmt.Fprintln(out, "done; live counters not yet updated")
		return nil
	}
	fmt.Fprintf(out, "done; announcements: %s\n", formatView(after))
	return nil
}

// autoApprove resolves every confirmation the gate shows.
func autoApprove(gate *confirm.Gate) func() {
	return gate.Subscribe(func(p confirm.Pending, ok bool) {
		if ok {
			go func() { _ = gate.ResolveID(p.ID, true) }()
		}
	})
}

func (a *app) signedInClient() (*adminapi.Client, error) {
	token, err := a.requireCredential()
	if err != nil {
		return nil, err
	}
	if _, err := session.ParseCredential(token, time.Now()); err != nil {
		return nil, err
	}
	client := a.apiClient()
	client.SetToken(token)
	return client, nil
}

func writeAnnouncements(w io.Writer, items []adminapi.Announcement) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTIVE\tTITLE\tUPDATED")
	for _, item := range items {
		updated := "-"
		if !item.UpdatedAt.IsZero() {
			updated = item.UpdatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", item.ID, item.IsActive, item.Title, updated)
	}
	return tw.Flush()
}
