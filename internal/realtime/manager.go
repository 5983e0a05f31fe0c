// Package realtime maintains the authenticated event connection to the
// back-office API and fans received domain events out to observers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayadmin/internal/retry"
	"github.com/agentworkforce/relayadmin/internal/telemetry"
)

var ErrMissingCredential = errors.New("credential is required")

// HandshakeRejectedError means the server refused the credential. Retrying
// with the same credential cannot succeed.
type HandshakeRejectedError struct {
	StatusCode int
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("event handshake rejected with http %d", e.StatusCode)
}

type Options struct {
	URL              string
	Backoff          retry.Backoff
	MaxAttempts      int
	HandshakeTimeout time.Duration
	// PingInterval below zero disables keepalive pings.
	PingInterval time.Duration
	ReadLimit    int64
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics
}

type Manager struct {
	opts    Options
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// lifecycle serialises Connect and Disconnect.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	credential string
	gen        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	settled    chan struct{}
	observers  []observerEntry
	nextID     uint64
}

type observerEntry struct {
	id       uint64
	observer Observer
}

func NewManager(opts Options) *Manager {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff.BaseDelay = 500 * time.Millisecond
	}
	if opts.Backoff.MaxDelay <= 0 {
		opts.Backoff.MaxDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:    opts,
		logger:  logger.With("component", "realtime"),
		metrics: opts.Metrics,
		state:   State{Phase: Disconnected},
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers an observer and returns a function that removes it.
func (m *Manager) Subscribe(observer Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observerEntry{id: id, observer: observer})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, entry := range m.observers {
			if entry.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Connect starts (or keeps) the event connection for credential and waits
// for the first handshake outcome. Transport failures are reported through
// the returned State, never as an error.
func (m *Manager) Connect(ctx context.Context, credential string) (State, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return m.State(), ErrMissingCredential
	}

	m.lifecycle.Lock()
	m.mu.Lock()
	if m.credential == credential && m.active() {
		settled := m.settled
		m.mu.Unlock()
		m.lifecycle.Unlock()
		return m.awaitSettled(ctx, settled)
	}
	m.mu.Unlock()

	m.stop()

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.credential = credential
	m.cancel = cancel
	m.done = make(chan struct{})
	m.settled = make(chan struct{})
	done, settled := m.done, m.settled
	m.mu.Unlock()

	m.transition(gen, State{Phase: Connecting})
	go m.run(runCtx, gen, credential, done, settled)
	m.lifecycle.Unlock()

	return m.awaitSettled(ctx, settled)
}

// Disconnect tears down the connection and sets Disconnected. It is safe to
// call repeatedly.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.stop()
	m.mu.Lock()
	m.credential = ""
	gen := m.gen
	m.mu.Unlock()
	m.transition(gen, State{Phase: Disconnected})
}

// active reports whether a connection loop is live. Caller holds m.mu.
func (m *Manager) active() bool {
	switch m.state.Phase {
	case Connecting, Connected, Reconnecting:
		return true
	default:
		return false
	}
}

// stop cancels the running loop and waits for it to exit. Bumping gen first
// makes any transition the old loop still attempts a no-op.
func (m *Manager) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.gen++
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) awaitSettled(ctx context.Context, settled chan struct{}) (State, error) {
	if settled == nil {
		return m.State(), nil
	}
	select {
	case <-settled:
		return m.State(), nil
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, credential string, done, settled chan struct{}) {
	defer close(done)
	var settleOnce sync.Once
	settle := func() { settleOnce.Do(func() { close(settled) }) }
	defer settle()

	attempt := 0
	for {
		conn, err := m.dial(ctx, credential)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		if err != nil {
			var rejected *HandshakeRejectedError
			if errors.As(err, &rejected) {
				m.logger.Warn("event connection rejected; re-authentication required", "status", rejected.StatusCode)
				m.transition(gen, State{Phase: Failed})
				return
			}
			attempt++
			if attempt > m.opts.MaxAttempts {
				m.logger.Error("event connection failed; giving up", "attempts", attempt-1, "error", err)
				m.transition(gen, State{Phase: Failed})
				return
			}
			if !m.scheduleReconnect(ctx, gen, attempt, settle, err) {
				return
			}
			continue
		}

		attempt = 0
		m.transition(gen, State{Phase: Connected})
		settle()
		err = m.serve(ctx, gen, conn)
		if ctx.Err() != nil {
			return
		}
		attempt = 1
		if !m.scheduleReconnect(ctx, gen, attempt, settle, err) {
			return
		}
	}
}

func (m *Manager) scheduleReconnect(ctx context.Context, gen uint64, attempt int, settle func(), cause error) bool {
	delay := m.opts.Backoff.JitteredDelay(attempt, rand.Float64())
	m.logger.Warn("event connection lost; reconnecting", "attempt", attempt, "delay", delay, "error", cause)
	m.metrics.ReconnectScheduled()
	m.transition(gen, State{Phase: Reconnecting, Attempt: attempt})
	settle()
	return retry.Wait(ctx, delay) == nil
}

func (m *Manager) dial(ctx context.Context, credential string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)
	header.Set("X-Correlation-Id", "ws_"+uuid.NewString())
	conn, resp, err := websocket.Dial(dialCtx, m.opts.URL, &websocket.DialOptions{
		HTTPClient: m.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &HandshakeRejectedError{StatusCode: resp.StatusCode}
		}
		return nil, err
	}
	return conn, nil
}

// serve reads frames until the connection breaks or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(m.opts.ReadLimit)

	pingErr := make(chan error, 1)
	if m.opts.PingInterval > 0 {
		go m.keepalive(connCtx, conn, cancel, pingErr)
	}

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			select {
			case perr := <-pingErr:
				return perr
			default:
			}
			return err
		}
		event, err := decodeFrame(data, time.Now().UTC())
		if err != nil {
			m.logger.Warn("skipping malformed event frame", "error", err)
			continue
		}
		m.metrics.EventReceived(event.Kind)
		m.dispatch(gen, event)
	}
}

func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, pingErr chan<- error) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, m.opts.PingInterval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil && ctx.Err() == nil {
				pingErr <- fmt.Errorf("keepalive ping: %w", err)
				cancel()
				return
			}
		}
	}
}

func decodeFrame(data []byte, receivedAt time.Time) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, err
	}
	kind := strings.TrimSpace(f.Event)
	if kind == "" {
		return Event{}, errors.New("event frame has no kind")
	}
	payload := map[string]any{}
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return Event{}, fmt.Errorf("event %s payload: %w", kind, err)
		}
	}
	return Event{Kind: kind, Payload: payload, ReceivedAt: receivedAt}, nil
}

func (m *Manager) dispatch(gen uint64, event Event) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	observers := m.snapshotObservers()
	m.mu.Unlock()
	for _, o := range observers {
		o.EventReceived(event)
	}
}

// transition moves to next if gen is still current and notifies observers.
func (m *Manager) transition(gen uint64, next State) {
	m.mu.Lock()
	if gen != m.gen || m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	observers := m.snapshotObservers()
	m.mu.Unlock()

	m.logger.Info("event connection state changed", "from", prev.String(), "to", next.String())
	m.metrics.SetConnectionPhase(next.Phase.String())
	for _, o := range observers {
		o.ConnectionStateChanged(prev, next)
	}
}

func (m *Manager) snapshotObservers() []Observer {
	out := make([]Observer, 0, len(m.observers))
	for _, entry := range m.observers {
		out = append(out, entry.observer)
	}
	return out
}
