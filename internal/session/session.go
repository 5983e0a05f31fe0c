// Package session wires the event connection, the announcement
// reconciler and the confirmation gate around one signed-in credential.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayadmin/internal/adminapi"
	"github.com/agentworkforce/relayadmin/internal/confirm"
	"github.com/agentworkforce/relayadmin/internal/realtime"
	"github.com/agentworkforce/relayadmin/internal/reconcile"
	"github.com/agentworkforce/relayadmin/internal/retry"
	"github.com/agentworkforce/relayadmin/internal/telemetry"
)

var ErrNotSignedIn = errors.New("not signed in")

type Options struct {
	API *adminapi.Client
	// Connection configures the event connection; Logger and Metrics are
	// filled from the session when unset.
	Connection realtime.Options
	// Gate is shared with whatever surface renders confirmations. A private
	// gate is created when nil.
	Gate            *confirm.Gate
	BaselineBackoff retry.Backoff
	BaselineRetries int
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
	// Now is the clock used to check credential expiry.
	Now func() time.Time
}

type Session struct {
	api           *adminapi.Client
	manager       *realtime.Manager
	announcements *reconcile.Reconciler
	gate          *confirm.Gate
	logger        *slog.Logger
	now           func() time.Time

	mu         sync.Mutex
	credential Credential
}

func New(opts Options) (*Session, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if strings.TrimSpace(opts.Connection.URL) == "" {
		return nil, fmt.Errorf("events url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Connection.Logger == nil {
		opts.Connection.Logger = logger
	}
	if opts.Connection.Metrics == nil {
		opts.Connection.Metrics = opts.Metrics
	}
	gate := opts.Gate
	if gate == nil {
		gate = confirm.NewGate(confirm.Options{Logger: logger, Metrics: opts.Metrics})
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	announcements, err := reconcile.New(reconcile.Options{
		Name:            "announcements",
		Source:          opts.API.AnnouncementSnapshot(),
		Rules:           reconcile.AnnouncementRules(),
		Backoff:         opts.BaselineBackoff,
		MaxLoadAttempts: opts.BaselineRetries,
		Logger:          logger,
		Metrics:         opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	manager := realtime.NewManager(opts.Connection)
	manager.Subscribe(announcements)

	return &Session{
		api:           opts.API,
		manager:       manager,
		announcements: announcements,
		gate:          gate,
		logger:        logger.With("component", "session"),
		now:           now,
	}, nil
}

// Run serves baseline loads until ctx is done, then closes the connection.
func (s *Session) Run(ctx context.Context) error {
	defer s.manager.Disconnect()
	err := s.announcements.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SignIn installs credential for REST calls and the event connection. A
// changed credential replaces the live connection; the same one is a no-op
// while connected.
func (s *Session) SignIn(ctx context.Context, raw string) (realtime.State, error) {
	cred, err := ParseCredential(raw, s.now())
	if err != nil {
		return s.manager.State(), err
	}
	s.mu.Lock()
	changed := s.credential.Token != cred.Token
	s.credential = cred
	s.mu.Unlock()
	if changed {
		s.api.SetToken(cred.Token)
		s.logger.Info("credential installed", "subject", cred.Subject, "expires_at", cred.ExpiresAt, "opaque", cred.Opaque())
	}
	return s.manager.Connect(ctx, cred.Token)
}

// SignOut drops the connection and the credential. The announcement view
// keeps its last counters but is marked stale.
func (s *Session) SignOut() {
	s.manager.Disconnect()
	s.mu.Lock()
	s.credential = Credential{}
	s.mu.Unlock()
	s.api.SetToken("")
	s.logger.Info("signed out")
}

// Reconnect tears down the event connection and dials again with the
// current credential. It recovers a Failed connection.
func (s *Session) Reconnect(ctx context.Context) (realtime.State, error) {
	s.mu.Lock()
	token := s.credential.Token
	s.mu.Unlock()
	if token == "" {
		return s.manager.State(), ErrNotSignedIn
	}
	s.manager.Disconnect()
	return s.manager.Connect(ctx, token)
}

func (s *Session) Credential() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential, s.credential.Token != ""
}

func (s *Session) State() realtime.State {
	return s.manager.State()
}

// SubscribeConnection forwards connection transitions and raw events.
func (s *Session) SubscribeConnection(observer realtime.Observer) func() {
	return s.manager.Subscribe(observer)
}

func (s *Session) Announcements() reconcile.AggregateView {
	return s.announcements.View()
}

func (s *Session) SubscribeAnnouncements(fn func(reconcile.AggregateView)) func() {
	return s.announcements.Subscribe(fn)
}

// RefreshAnnouncements asks for a fresh baseline.
func (s *Session) RefreshAnnouncements() {
	s.announcements.Resync()
}

// WaitForAnnouncements blocks until ready reports true for the current view
// or ctx is done.
func (s *Session) WaitForAnnouncements(ctx context.Context, ready func(reconcile.AggregateView) bool) (reconcile.AggregateView, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := s.announcements.Subscribe(func(reconcile.AggregateView) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	for {
		view := s.announcements.View()
		if ready(view) {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-changed:
		}
	}
}

func (s *Session) Gate() *confirm.Gate {
	return s.gate
}

func (s *Session) API() *adminapi.Client {
	return s.api
}

func (s *Session) ListAnnouncements(ctx context.Context, activeOnly bool) ([]adminapi.Announcement, error) {
	return s.api.ListAnnouncements(ctx, activeOnly)
}

func (s *Session) CreateAnnouncement(ctx context.Context, in adminapi.CreateAnnouncementInput) (adminapi.Announcement, error) {
	return s.api.CreateAnnouncement(ctx, in)
}

// SetAnnouncementActive toggles an announcement. Deactivating asks for
// confirmation first; the returned bool is false when it was declined.
func (s *Session) SetAnnouncementActive(ctx context.Context, id string, active bool) (adminapi.Announcement, bool, error) {
	if !active {
		ok, err := s.gate.Confirm(ctx, confirm.Request{
			Title:        "Deactivate announcement",
			Message:      fmt.Sprintf("Announcement %s will stop being shown to members.", id),
			ConfirmLabel: "Deactivate",
		})
		if err != nil || !ok {
			return adminapi.Announcement{}, false, err
		}
	}
	item, err := s.api.SetAnnouncementActive(ctx, id, active)
	if err != nil {
		return adminapi.Announcement{}, true, err
	}
	return item, true, nil
}

// DeleteAnnouncement confirms and then deletes. It reports false without
// touching the API when the confirmation is declined. The counters change
// when the matching event arrives, not here.
func (s *Session) DeleteAnnouncement(ctx context.Context, id, title string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("announcement id is required")
	}
	label := id
	if strings.TrimSpace(title) != "" {
		label = fmt.Sprintf("%q", title)
	}
	ok, err := s.gate.Confirm(ctx, confirm.Request{
		Title:     "Delete announcement",
		Message:   fmt.Sprintf("Delete %s? This cannot be undone.", label),
		Details:   "id: " + id,
		Dangerous: true,
	})
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("announcement delete declined", "id", id)
		return false, nil
	}
	if err := s.api.DeleteAnnouncement(ctx, id); err != nil {
		return true, err
	}
	s.logger.Info("announcement deleted", "id", id)
	return true, nil
}
