// Package confirm turns "ask a person before doing something destructive"
// into a blocking call. A Gate owns the single pending-decision slot for
// the whole process; callers receive it by injection.
package confirm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relayadmin/internal/telemetry"
)

var (
	// ErrConfirmationPending is returned in ModeReject while another request
	// occupies the slot.
	ErrConfirmationPending   = errors.New("another confirmation is pending")
	ErrNoPendingConfirmation = errors.New("no confirmation is pending")
	ErrStaleDecision         = errors.New("decision does not match the pending confirmation")
	ErrEmptyRequest          = errors.New("confirmation needs a title or message")
)

// Mode selects what happens to a Confirm call while the slot is busy.
type Mode int

const (
	// ModeQueue waits in FIFO order behind the pending request.
	ModeQueue Mode = iota
	// ModeReject fails fast with ErrConfirmationPending.
	ModeReject
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queue", "fifo":
		return ModeQueue, nil
	case "reject", "fail-fast":
		return ModeReject, nil
	default:
		return ModeQueue, errors.New("unknown confirmation mode: " + raw)
	}
}

type Request struct {
	Title        string
	Message      string
	Details      string
	ConfirmLabel string
	CancelLabel  string
	Dangerous    bool
}

// Pending is the request currently shown to the user.
type Pending struct {
	ID          string
	Request     Request
	RequestedAt time.Time
	// Seq increases with every change of the slot. Notifications are
	// delivered outside the gate's lock, so a subscriber that sees a Seq
	// no larger than one it already handled is looking at an older state.
	Seq uint64
}

type Options struct {
	Mode    Mode
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

type Gate struct {
	mode    Mode
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	current     *ticket
	queue       []*ticket
	subscribers []subscriber
	nextSubID   uint64
	seq         uint64
}

type ticket struct {
	pending  Pending
	decision chan bool
}

type subscriber struct {
	id uint64
	fn func(Pending, bool)
}

func NewGate(opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		mode:    opts.Mode,
		logger:  logger.With("component", "confirm"),
		metrics: opts.Metrics,
	}
}

// Confirm publishes req and blocks until it is resolved. There is no
// timeout; cancelling ctx while the request is visible counts as a decline
// and frees the slot, while cancelling it in the queue just withdraws it.
func (g *Gate) Confirm(ctx context.Context, req Request) (bool, error) {
	req = withDefaults(req)
	if req.Title == "" && req.Message == "" {
		return false, ErrEmptyRequest
	}
	t := &ticket{
		pending: Pending{
			ID:          uuid.NewString(),
			Request:     req,
			RequestedAt: time.Now().UTC(),
		},
		decision: make(chan bool, 1),
	}

	g.mu.Lock()
	if g.current != nil && g.mode == ModeReject {
		g.mu.Unlock()
		g.metrics.ConfirmationDecided("rejected")
		return false, ErrConfirmationPending
	}
	var promoted *ticket
	if g.current == nil {
		g.current = t
		promoted = t
	} else {
		g.queue = append(g.queue, t)
	}
	subs, seq := g.stateLocked()
	g.mu.Unlock()
	if promoted != nil {
		g.publish(subs, seq, promoted)
	} else {
		g.logger.Debug("confirmation queued", "id", t.pending.ID, "title", req.Title)
	}

	select {
	case approved := <-t.decision:
		return approved, nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	select {
	case approved := <-t.decision:
		// Resolved concurrently with cancellation; the decision wins.
		g.mu.Unlock()
		return approved, nil
	default:
	}
	if g.current == t {
		next := g.advanceLocked()
		subs, seq := g.stateLocked()
		g.mu.Unlock()
		g.logger.Info("confirmation abandoned", "id", t.pending.ID, "error", ctx.Err())
		g.metrics.ConfirmationDecided("abandoned")
		g.publish(subs, seq, next)
		return false, ctx.Err()
	}
	for i, queued := range g.queue {
		if queued == t {
			g.queue = append(g.queue[:i:i], g.queue[i+1:]...)
			break
		}
	}
	g.stateLocked()
	g.mu.Unlock()
	return false, ctx.Err()
}

// Resolve renders the decision for the visible request and promotes the
// next queued one.
func (g *Gate) Resolve(approved bool) error {
	return g.resolve("", approved)
}

// ResolveID is Resolve guarded by the request id, so a decision made on an
// outdated prompt cannot land on a newer request.
func (g *Gate) ResolveID(id string, approved bool) error {
	if strings.TrimSpace(id) == "" {
		return ErrStaleDecision
	}
	return g.resolve(id, approved)
}

func (g *Gate) resolve(id string, approved bool) error {
	g.mu.Lock()
	t := g.current
	if t == nil {
		g.mu.Unlock()
		return ErrNoPendingConfirmation
	}
	if id != "" && t.pending.ID != id {
		g.mu.Unlock()
		return ErrStaleDecision
	}
	t.decision <- approved
	next := g.advanceLocked()
	subs, seq := g.stateLocked()
	g.mu.Unlock()

	decision := "declined"
	if approved {
		decision = "approved"
	}
	g.logger.Info("confirmation resolved", "id", t.pending.ID, "title", t.pending.Request.Title, "decision", decision)
	g.metrics.ConfirmationDecided(decision)
	g.publish(subs, seq, next)
	return nil
}

// Pending returns the visible request, if any.
func (g *Gate) Pending() (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return Pending{Seq: g.seq}, false
	}
	p := g.current.pending
	p.Seq = g.seq
	return p, true
}

// Queued reports how many requests wait behind the visible one.
func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Subscribe calls fn whenever the visible request changes; ok is false when
// the slot empties. fn is called immediately with the current slot.
// Concurrent changes may be delivered out of order; compare Pending.Seq or
// re-read Pending to get the latest state.
func (g *Gate) Subscribe(fn func(p Pending, ok bool)) func() {
	g.mu.Lock()
	g.nextSubID++
	id := g.nextSubID
	g.subscribers = append(g.subscribers, subscriber{id: id, fn: fn})
	current := Pending{Seq: g.seq}
	ok := g.current != nil
	if ok {
		current = g.current.pending
		current.Seq = g.seq
	}
	g.mu.Unlock()
	fn(current, ok)

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, s := range g.subscribers {
			if s.id == id {
				g.subscribers = append(g.subscribers[:i:i], g.subscribers[i+1:]...)
				return
			}
		}
	}
}

// advanceLocked retires the current ticket and promotes the queue head.
func (g *Gate) advanceLocked() *ticket {
	g.current = nil
	if len(g.queue) == 0 {
		return nil
	}
	g.current = g.queue[0]
	g.queue = g.queue[1:]
	return g.current
}

// stateLocked records a slot change and returns the subscribers to notify
// with its sequence number.
func (g *Gate) stateLocked() ([]func(Pending, bool), uint64) {
	g.seq++
	g.metrics.SetConfirmations(g.current != nil, len(g.queue))
	fns := make([]func(Pending, bool), 0, len(g.subscribers))
	for _, s := range g.subscribers {
		fns = append(fns, s.fn)
	}
	return fns, g.seq
}

func (g *Gate) publish(subs []func(Pending, bool), seq uint64, t *ticket) {
	if t == nil {
		for _, fn := range subs {
			fn(Pending{Seq: seq}, false)
		}
		return
	}
	p := t.pending
	p.Seq = seq
	g.logger.Info("confirmation requested", "id", p.ID, "title", p.Request.Title, "dangerous", p.Request.Dangerous)
	for _, fn := range subs {
		fn(p, true)
	}
}

func withDefaults(req Request) Request {
	req.Title = strings.TrimSpace(req.Title)
	req.Message = strings.TrimSpace(req.Message)
	if strings.TrimSpace(req.ConfirmLabel) == "" {
		req.ConfirmLabel = "Confirm"
		if req.Dangerous {
			req.ConfirmLabel = "Delete"
		}
	}
	if strings.TrimSpace(req.CancelLabel) == "" {
		req.CancelLabel = "Cancel"
	}
	return req
}
