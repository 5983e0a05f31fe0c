package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayadmin/internal/retry"
)

type eventServer struct {
	mu           sync.Mutex
	handshakes   int
	authHeaders  []string
	rejectStatus int
	conns        chan *websocket.Conn
}

func newEventServer(t *testing.T) (*eventServer, *httptest.Server) {
	t.Helper()
	es := &eventServer{conns: make(chan *websocket.Conn, 16)}
	srv := httptest.NewServer(es)
	t.Cleanup(srv.Close)
	return es, srv
}

func (s *eventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.handshakes++
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	reject := s.rejectStatus
	s.mu.Unlock()
	if reject != 0 {
		http.Error(w, "rejected", reject)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.conns <- conn
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (s *eventServer) handshakeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *eventServer) headers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

func (s *eventServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event connection")
		return nil
	}
}

type recorder struct {
	mu     sync.Mutex
	states []State
	events []Event
}

func (r *recorder) ConnectionStateChanged(_, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, next)
}

func (r *recorder) EventReceived(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testOptions(url string) Options {
	return Options{
		URL:          url,
		Backoff:      retry.Backoff{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		MaxAttempts:  3,
		PingInterval: -1,
	}
}

func TestConnectDeliversEventsInOrder(t *testing.T) {
	es, srv := newEventServer(t)
	m := NewManager(testOptions(srv.URL))
	rec := &recorder{}
	m.Subscribe(rec)
	defer m.Disconnect()

	state, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	assert.Equal(t, Connected, state.Phase)

	conn := es.nextConn(t)
	ctx := context.Background()
	for _, kind := range []string{"announcement.created", "announcement.deleted", "announcement.created"} {
		require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"event": kind, "data": map[string]any{"isActive": true}}))
	}

	require.Eventually(t, func() bool { return len(rec.Events()) == 3 }, 5*time.Second, 5*time.Millisecond)
	events := rec.Events()
	assert.Equal(t, "announcement.created", events[0].Kind)
	assert.Equal(t, "announcement.deleted", events[1].Kind)
	assert.Equal(t, "announcement.created", events[2].Kind)
	assert.Equal(t, true, events[0].Payload["isActive"])
	assert.False(t, events[0].ReceivedAt.IsZero())
	assert.Equal(t, []string{"Bearer tok_1"}, es.headers())
}

func TestConnectIsNoopForSameCredential(t *testing.T) {
	es, srv := newEventServer(t)
	m := NewManager(testOptions(srv.URL))
	defer m.Disconnect()

	_, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	state, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)

	assert.Equal(t, Connected, state.Phase)
	assert.Equal(t, 1, es.handshakeCount())
}

func TestConnectWithNewCredentialReplacesConnection(t *testing.T) {
	es, srv := newEventServer(t)
	m := NewManager(testOptions(srv.URL))
	rec := &recorder{}
	m.Subscribe(rec)
	defer m.Disconnect()

	_, err := m.Connect(context.Background(), "tok_old")
	require.NoError(t, err)
	oldConn := es.nextConn(t)

	state, err := m.Connect(context.Background(), "tok_new")
	require.NoError(t, err)
	assert.Equal(t, Connected, state.Phase)
	assert.Equal(t, []string{"Bearer tok_old", "Bearer tok_new"}, es.headers())

	_, _, readErr := oldConn.Read(context.Background())
	require.Error(t, readErr, "old connection should be closed before the new one starts")

	assert.Equal(t, []State{
		{Phase: Connecting},
		{Phase: Connected},
		{Phase: Connecting},
		{Phase: Connected},
	}, rec.States())
}

func TestConnectRequiresCredential(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:1"))
	_, err := m.Connect(context.Background(), "  ")
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, Disconnected, m.State().Phase)
}

func TestReconnectsAfterTransportFailure(t *testing.T) {
	es, srv := newEventServer(t)
	m := NewManager(testOptions(srv.URL))
	rec := &recorder{}
	m.Subscribe(rec)
	defer m.Disconnect()

	_, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	first := es.nextConn(t)
	_ = first.Close(websocket.StatusGoingAway, "restart")

	second := es.nextConn(t)
	require.Eventually(t, func() bool { return m.State().Phase == Connected && es.handshakeCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Bearer tok_1", "Bearer tok_1"}, es.headers())

	require.NoError(t, wsjson.Write(context.Background(), second, map[string]any{"event": "announcement.created"}))
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 5*time.Second, 5*time.Millisecond)

	states := rec.States()
	assert.Contains(t, states, State{Phase: Reconnecting, Attempt: 1})
	assert.Equal(t, State{Phase: Connected}, states[len(states)-1])
}

func TestFailsAfterBoundedAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewManager(testOptions(url))
	rec := &recorder{}
	m.Subscribe(rec)
	defer m.Disconnect()

	state, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err, "transport errors are folded into state")
	assert.Equal(t, Reconnecting, state.Phase)

	require.Eventually(t, func() bool { return m.State().Phase == Failed }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{
		{Phase: Connecting},
		{Phase: Reconnecting, Attempt: 1},
		{Phase: Reconnecting, Attempt: 2},
		{Phase: Reconnecting, Attempt: 3},
		{Phase: Failed},
	}, rec.States())

	// Failed stays put until Connect is called again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Failed, m.State().Phase)
}

func TestConnectAfterFailedRetriesExplicitly(t *testing.T) {
	es, srv := newEventServer(t)
	es.mu.Lock()
	es.rejectStatus = http.StatusUnauthorized
	es.mu.Unlock()
	m := NewManager(testOptions(srv.URL))
	defer m.Disconnect()

	state, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	assert.Equal(t, Failed, state.Phase, "a rejected credential is not retried")
	assert.Equal(t, 1, es.handshakeCount())

	es.mu.Lock()
	es.rejectStatus = 0
	es.mu.Unlock()

	state, err = m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	assert.Equal(t, Connected, state.Phase)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	es, srv := newEventServer(t)
	m := NewManager(testOptions(srv.URL))
	rec := &recorder{}
	m.Subscribe(rec)

	_, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	conn := es.nextConn(t)

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State().Phase)

	_, _, readErr := conn.Read(context.Background())
	require.Error(t, readErr)

	states := rec.States()
	assert.Equal(t, State{Phase: Disconnected}, states[len(states)-1])
	assert.Equal(t, 1, countPhase(states, Disconnected))
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	es, srv := newEventServer(t)
	m := NewManager(testOptions(srv.URL))
	rec := &recorder{}
	m.Subscribe(rec)
	defer m.Disconnect()

	_, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	conn := es.nextConn(t)
	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"data":{}}`)))
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"event": "announcement.deleted"}))

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "announcement.deleted", rec.Events()[0].Kind)
	assert.Equal(t, Connected, m.State().Phase)
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	es, srv := newEventServer(t)
	m := NewManager(testOptions(srv.URL))
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec)
	defer m.Disconnect()

	_, err := m.Connect(context.Background(), "tok_1")
	require.NoError(t, err)
	conn := es.nextConn(t)
	unsubscribe()

	require.NoError(t, wsjson.Write(context.Background(), conn, map[string]any{"event": "announcement.created"}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.Events())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", State{Phase: Connected}.String())
	assert.Equal(t, "reconnecting(4)", State{Phase: Reconnecting, Attempt: 4}.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}

func countPhase(states []State, phase Phase) int {
	n := 0
	for _, s := range states {
		if s.Phase == phase {
			n++
		}
	}
	return n
}
