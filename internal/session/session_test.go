package session

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relayadmin/internal/adminapi"
	"github.com/agentworkforce/relayadmin/internal/confirm"
	"github.com/agentworkforce/relayadmin/internal/devserver"
	"github.com/agentworkforce/relayadmin/internal/realtime"
	"github.com/agentworkforce/relayadmin/internal/reconcile"
	"github.com/agentworkforce/relayadmin/internal/retry"
)

type harness struct {
	server  *devserver.Server
	session *Session
	token   string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	server := devserver.NewServer(nil)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	token, err := devserver.IssueToken("dev-secret", "admin@example.com", time.Hour)
	require.NoError(t, err)

	api := adminapi.NewClient(adminapi.Options{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		MaxRetries: -1,
	})
	opts := Options{
		API: api,
		Connection: realtime.Options{
			URL:          "ws" + strings.TrimPrefix(srv.URL, "http") + devserver.EventsPath,
			Backoff:      retry.Backoff{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
			MaxAttempts:  50,
			PingInterval: -1,
		},
		BaselineBackoff: retry.Backoff{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		BaselineRetries: 3,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{server: server, session: s, token: token}
}

func (h *harness) seed(active, inactive int) {
	for i := 0; i < active; i++ {
		h.server.Seed(adminapi.CreateAnnouncementInput{Title: "active", IsActive: true})
	}
	for i := 0; i < inactive; i++ {
		h.server.Seed(adminapi.CreateAnnouncementInput{Title: "inactive"})
	}
}

func waitCounts(t *testing.T, s *Session, total, active int64) reconcile.AggregateView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	view, err := s.WaitForAnnouncements(ctx, func(v reconcile.AggregateView) bool {
		gotTotal, ok := v.Count(reconcile.TotalAnnouncements)
		gotActive, _ := v.Count(reconcile.ActiveAnnouncements)
		return ok && gotTotal == total && gotActive == active
	})
	require.NoError(t, err, "last view: %+v", view)
	return view
}

func waitView(t *testing.T, s *Session, ready func(reconcile.AggregateView) bool) reconcile.AggregateView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	view, err := s.WaitForAnnouncements(ctx, ready)
	require.NoError(t, err, "last view: %+v", view)
	return view
}

// decideAll resolves every confirmation the gate shows with approved.
func decideAll(t *testing.T, gate *confirm.Gate, approved bool) {
	t.Helper()
	unsubscribe := gate.Subscribe(func(p confirm.Pending, ok bool) {
		if ok {
			go func() { _ = gate.ResolveID(p.ID, approved) }()
		}
	})
	t.Cleanup(unsubscribe)
}

func signIn(t *testing.T, h *harness) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	state, err := h.session.SignIn(ctx, h.token)
	require.NoError(t, err)
	require.Equal(t, realtime.Connected, state.Phase)
}

func TestBaselineThenLiveEvents(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(3, 2)
	signIn(t, h)

	waitCounts(t, h.session, 5, 3)

	ctx := context.Background()
	_, err := h.session.CreateAnnouncement(ctx, adminapi.CreateAnnouncementInput{Title: "Launch", IsActive: true})
	require.NoError(t, err)
	waitCounts(t, h.session, 6, 4)

	items, err := h.session.ListAnnouncements(ctx, false)
	require.NoError(t, err)
	var inactive adminapi.Announcement
	for _, item := range items {
		if !item.IsActive {
			inactive = item
			break
		}
	}
	require.NotEmpty(t, inactive.ID)

	decideAll(t, h.session.Gate(), true)
	deleted, err := h.session.DeleteAnnouncement(ctx, inactive.ID, inactive.Title)
	require.NoError(t, err)
	assert.True(t, deleted)

	view := waitCounts(t, h.session, 5, 4)
	assert.Equal(t, reconcile.Snapshot{reconcile.TotalAnnouncements: 5, reconcile.ActiveAnnouncements: 3}, view.Baseline)
	assert.Equal(t, 2, view.AppliedEventCount)
}

func TestDeclinedDeleteLeavesAnnouncement(t *testing.T) {
	h := newHarness(t, nil)
	item := h.server.Seed(adminapi.CreateAnnouncementInput{Title: "Keep me", IsActive: true})
	signIn(t, h)
	waitCounts(t, h.session, 1, 1)

	decideAll(t, h.session.Gate(), false)
	deleted, err := h.session.DeleteAnnouncement(context.Background(), item.ID, item.Title)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, adminapi.AnnouncementStats{Total: 1, Active: 1}, h.server.Store().Stats())

	_, changed, err := h.session.SetAnnouncementActive(context.Background(), item.ID, false)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, adminapi.AnnouncementStats{Total: 1, Active: 1}, h.server.Store().Stats())
}

func TestDeactivateAfterConfirmation(t *testing.T) {
	h := newHarness(t, nil)
	item := h.server.Seed(adminapi.CreateAnnouncementInput{Title: "Old news", IsActive: true})
	signIn(t, h)
	waitCounts(t, h.session, 1, 1)

	decideAll(t, h.session.Gate(), true)
	updated, changed, err := h.session.SetAnnouncementActive(context.Background(), item.ID, false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, updated.IsActive)
	waitCounts(t, h.session, 1, 0)
}

func TestReconnectReloadsBaseline(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Connection.Backoff = retry.Backoff{BaseDelay: 300 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	})
	h.seed(1, 1)
	signIn(t, h)
	waitCounts(t, h.session, 2, 1)

	require.Equal(t, 1, h.server.DropConnections())
	stale := waitView(t, h.session, func(v reconcile.AggregateView) bool { return v.Stale })
	assert.Nil(t, stale.Baseline)
	_, ok := stale.Count(reconcile.TotalAnnouncements)
	assert.False(t, ok)
	assert.Equal(t, int64(2), stale.Counters[reconcile.TotalAnnouncements])

	// Nobody is subscribed, so this change is only visible through a new
	// snapshot.
	h.server.Seed(adminapi.CreateAnnouncementInput{Title: "missed", IsActive: true})

	view := waitCounts(t, h.session, 3, 2)
	assert.Equal(t, 0, view.AppliedEventCount)
	assert.Equal(t, realtime.Connected, h.session.State().Phase)
}

func TestSnapshotFailureIsNotZero(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(2, 0)
	h.server.FailStats(1000)
	signIn(t, h)

	view := waitView(t, h.session, func(v reconcile.AggregateView) bool { return v.Err != nil })
	var loadErr *reconcile.SnapshotLoadError
	require.ErrorAs(t, view.Err, &loadErr)
	assert.Nil(t, view.Counters)
	_, ok := view.Count(reconcile.TotalAnnouncements)
	assert.False(t, ok)

	h.server.FailStats(0)
	h.session.RefreshAnnouncements()
	waitCounts(t, h.session, 2, 2)
}

// Events carry no ids, so a change committed while the snapshot request is
// in flight is both inside the snapshot and replayed from the queue. Only a
// later baseline corrects it.
func TestEventDuringSnapshotFetchIsCountedTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(1, 0)
	h.server.DelayStats(300 * time.Millisecond)
	signIn(t, h)

	time.Sleep(100 * time.Millisecond)
	h.server.Seed(adminapi.CreateAnnouncementInput{Title: "during fetch", IsActive: true})

	view := waitCounts(t, h.session, 3, 3)
	assert.Equal(t, 1, view.AppliedEventCount)
	assert.Equal(t, adminapi.AnnouncementStats{Total: 2, Active: 2}, h.server.Store().Stats())

	h.server.DelayStats(0)
	h.session.RefreshAnnouncements()
	view = waitCounts(t, h.session, 2, 2)
	assert.Equal(t, 0, view.AppliedEventCount)
}

func TestRejectedCredentialFails(t *testing.T) {
	h := newHarness(t, nil)
	forged, err := devserver.IssueToken("wrong-secret", "intruder", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	state, err := h.session.SignIn(ctx, forged)
	require.NoError(t, err)
	assert.Equal(t, realtime.Failed, state.Phase)

	state, err = h.session.Reconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, realtime.Failed, state.Phase)

	state, err = h.session.SignIn(ctx, h.token)
	require.NoError(t, err)
	assert.Equal(t, realtime.Connected, state.Phase)
}

func TestSignOutMarksViewStale(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(1, 0)
	signIn(t, h)
	waitCounts(t, h.session, 1, 1)

	h.session.SignOut()
	assert.Equal(t, realtime.Disconnected, h.session.State().Phase)
	_, signedIn := h.session.Credential()
	assert.False(t, signedIn)
	view := h.session.Announcements()
	assert.True(t, view.Stale)
	assert.False(t, view.Authoritative())

	_, err := h.session.Reconnect(context.Background())
	require.ErrorIs(t, err, ErrNotSignedIn)
}

func TestWatchCredentialFile(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "token")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watching := make(chan error, 1)
	go func() { watching <- h.session.WatchCredentialFile(ctx, path) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(h.token+"\n"), 0o600))
	require.Eventually(t, func() bool {
		return h.session.State().Phase == realtime.Connected
	}, 3*time.Second, 10*time.Millisecond)
	cred, ok := h.session.Credential()
	require.True(t, ok)
	assert.Equal(t, "admin@example.com", cred.Subject)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return h.session.State().Phase == realtime.Disconnected
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-watching, context.Canceled)
}

func TestWatchCredentialFileSignsOutOnExpiredReplacement(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(h.token), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watching := make(chan error, 1)
	go func() { watching <- h.session.WatchCredentialFile(ctx, path) }()
	require.Eventually(t, func() bool {
		return h.session.State().Phase == realtime.Connected
	}, 3*time.Second, 10*time.Millisecond)
	waitCounts(t, h.session, 0, 0)

	past := time.Now().Add(-time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, devserver.Claims{
		Scopes: []string{devserver.ScopeRead},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin@example.com",
			Audience:  jwt.ClaimStrings{devserver.Audience},
			IssuedAt:  jwt.NewNumericDate(past.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}).SignedString([]byte("dev-secret"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(expired), 0o600))

	require.Eventually(t, func() bool {
		return h.session.State().Phase == realtime.Disconnected
	}, 3*time.Second, 10*time.Millisecond)
	_, signedIn := h.session.Credential()
	assert.False(t, signedIn)
	assert.True(t, h.session.Announcements().Stale)

	cancel()
	require.ErrorIs(t, <-watching, context.Canceled)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{API: adminapi.NewClient(adminapi.Options{})})
	require.Error(t, err)
}
