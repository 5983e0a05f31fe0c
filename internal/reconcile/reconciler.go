// Package reconcile merges a REST snapshot with the live event tail into a
// single aggregate view.
//
// The view always equals its baseline plus every event received after the
// baseline was captured, applied once, in delivery order. Events that
// arrive while no baseline is active are queued and replayed as soon as
// one lands. Losing the connection drops the baseline; the next successful
// handshake forces a fresh snapshot because events missed in between can
// never be recovered from the stream.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relayadmin/internal/realtime"
	"github.com/agentworkforce/relayadmin/internal/retry"
	"github.com/agentworkforce/relayadmin/internal/telemetry"
)

var ErrBaselineSuperseded = errors.New("baseline load superseded")

// SnapshotLoadError wraps a failed snapshot fetch. The view keeps no
// baseline while it is set; it never falls back to zero counters.
type SnapshotLoadError struct {
	View string
	Err  error
}

func (e *SnapshotLoadError) Error() string {
	return fmt.Sprintf("load %s baseline: %v", e.View, e.Err)
}

func (e *SnapshotLoadError) Unwrap() error {
	return e.Err
}

type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// SnapshotFunc adapts a function to SnapshotSource.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

func (f SnapshotFunc) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// AggregateView is a read-only copy of the reconciled state.
type AggregateView struct {
	Name     string
	Counters Snapshot
	// Baseline is nil until a snapshot is active.
	Baseline          Snapshot
	AppliedEventCount int
	PendingEvents     int
	// Stale is set once the live tail is lost; Counters then hold the last
	// known values until a new baseline lands.
	Stale     bool
	Loading   bool
	Err       error
	Version   uint64
	UpdatedAt time.Time
}

// Authoritative reports whether Counters may be shown as current truth.
func (v AggregateView) Authoritative() bool {
	return v.Baseline != nil && !v.Stale && v.Err == nil
}

// Count returns a counter and whether it is authoritative.
func (v AggregateView) Count(name string) (int64, bool) {
	value, ok := v.Counters[name]
	return value, ok && v.Authoritative()
}

type Options struct {
	Name   string
	Source SnapshotSource
	Rules  []Rule
	// Backoff and MaxLoadAttempts govern retries inside Run.
	Backoff         retry.Backoff
	MaxLoadAttempts int
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

type Reconciler struct {
	name            string
	source          SnapshotSource
	rules           map[string]Rule
	validator       *PayloadValidator
	backoff         retry.Backoff
	maxLoadAttempts int
	logger          *slog.Logger
	metrics         *telemetry.Metrics
	resync          chan struct{}

	mu        sync.Mutex
	baseline  Snapshot
	counters  Counters
	applied   int
	pending   []realtime.Event
	epoch     uint64
	stale     bool
	loading   bool
	lastErr   error
	version   uint64
	updatedAt time.Time
	listeners []listener
	nextID    uint64
}

type listener struct {
	id uint64
	fn func(AggregateView)
}

func New(opts Options) (*Reconciler, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, fmt.Errorf("view name is required")
	}
	rules := map[string]Rule{}
	for _, rule := range opts.Rules {
		if rule.Kind == "" || rule.Merge == nil {
			return nil, fmt.Errorf("rule for %q needs a kind and a merge function", rule.Kind)
		}
		if _, dup := rules[rule.Kind]; dup {
			return nil, fmt.Errorf("duplicate rule for %s", rule.Kind)
		}
		rules[rule.Kind] = rule
	}
	validator, err := NewPayloadValidator(opts.Rules)
	if err != nil {
		return nil, err
	}
	if opts.MaxLoadAttempts <= 0 {
		opts.MaxLoadAttempts = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		name:            name,
		source:          opts.Source,
		rules:           rules,
		validator:       validator,
		backoff:         opts.Backoff,
		maxLoadAttempts: opts.MaxLoadAttempts,
		logger:          logger.With("component", "reconcile", "view", name),
		metrics:         opts.Metrics,
		resync:          make(chan struct{}, 1),
	}, nil
}

func (r *Reconciler) Name() string {
	return r.name
}

func (r *Reconciler) View() AggregateView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

// Subscribe registers fn for every view change and returns its remover.
// fn runs outside the reconciler's lock; use Version to order updates.
func (r *Reconciler) Subscribe(fn func(AggregateView)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listener{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// LoadBaseline fetches a fresh snapshot and makes it the active baseline,
// then replays queued events in arrival order. A load overtaken by a newer
// load or a connection change returns ErrBaselineSuperseded.
func (r *Reconciler) LoadBaseline(ctx context.Context) error {
	r.mu.Lock()
	r.epoch++
	epoch := r.epoch
	r.baseline = nil
	r.loading = true
	view, listeners := r.touchLocked()
	r.mu.Unlock()
	notify(listeners, view)

	snapshot, err := r.source.FetchSnapshot(ctx)

	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		r.metrics.BaselineLoaded(r.name, "superseded")
		return ErrBaselineSuperseded
	}
	r.loading = false
	if err != nil {
		loadErr := &SnapshotLoadError{View: r.name, Err: err}
		r.lastErr = loadErr
		view, listeners := r.touchLocked()
		r.mu.Unlock()
		notify(listeners, view)
		r.metrics.BaselineLoaded(r.name, "error")
		return loadErr
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	r.baseline = snapshot.clone()
	r.counters = Counters(snapshot.clone())
	r.applied = 0
	r.stale = false
	r.lastErr = nil
	queued := r.pending
	r.pending = nil
	for _, event := range queued {
		r.mergeLocked(event)
	}
	r.metrics.SetEventsQueued(0)
	view, listeners = r.touchLocked()
	r.mu.Unlock()

	r.logger.Debug("baseline loaded", "counters", map[string]int64(view.Counters), "replayed", len(queued))
	r.metrics.BaselineLoaded(r.name, "ok")
	notify(listeners, view)
	return nil
}

// ApplyEvent merges event into the view, or queues it while no baseline is
// active. Kinds without a rule are ignored.
func (r *Reconciler) ApplyEvent(event realtime.Event) {
	if _, ok := r.rules[event.Kind]; !ok {
		r.logger.Debug("ignoring event without merge rule", "kind", event.Kind)
		return
	}
	r.mu.Lock()
	if r.baseline == nil {
		r.pending = append(r.pending, event)
		r.metrics.SetEventsQueued(len(r.pending))
		view, listeners := r.touchLocked()
		r.mu.Unlock()
		notify(listeners, view)
		return
	}
	if !r.mergeLocked(event) {
		r.mu.Unlock()
		return
	}
	view, listeners := r.touchLocked()
	r.mu.Unlock()
	notify(listeners, view)
}

// Resync asks Run to load a fresh baseline. It never blocks.
func (r *Reconciler) Resync() {
	select {
	case r.resync <- struct{}{}:
	default:
	}
}

// Run serves resync requests until ctx is done. Failed loads are retried
// with backoff up to MaxLoadAttempts and then left on the view's Err until
// the next request.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.resync:
		}
		r.loadWithRetry(ctx)
	}
}

func (r *Reconciler) loadWithRetry(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		err := r.LoadBaseline(ctx)
		if err == nil || errors.Is(err, ErrBaselineSuperseded) || ctx.Err() != nil {
			return
		}
		if attempt >= r.maxLoadAttempts {
			r.logger.Error("baseline unavailable; view is not authoritative", "attempts", attempt, "error", err)
			return
		}
		delay := r.backoff.JitteredDelay(attempt, rand.Float64())
		r.logger.Warn("baseline load failed; retrying", "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.resync:
			timer.Stop()
			attempt = 0
		case <-timer.C:
		}
	}
}

// ConnectionStateChanged invalidates the baseline when the live tail is lost
// and requests a fresh one on every successful handshake.
func (r *Reconciler) ConnectionStateChanged(prev, next realtime.State) {
	switch {
	case next.Phase == realtime.Connected:
		r.mu.Lock()
		r.epoch++
		r.baseline = nil
		r.pending = nil
		r.metrics.SetEventsQueued(0)
		view, listeners := r.touchLocked()
		r.mu.Unlock()
		notify(listeners, view)
		r.Resync()
	case prev.Phase == realtime.Connected,
		next.Phase == realtime.Disconnected,
		next.Phase == realtime.Failed:
		r.invalidate()
	}
}

func (r *Reconciler) EventReceived(event realtime.Event) {
	r.ApplyEvent(event)
}

func (r *Reconciler) invalidate() {
	r.mu.Lock()
	r.epoch++
	r.baseline = nil
	r.pending = nil
	r.loading = false
	r.stale = r.counters != nil
	r.metrics.SetEventsQueued(0)
	view, listeners := r.touchLocked()
	r.mu.Unlock()
	notify(listeners, view)
}

// mergeLocked applies one event against the active baseline.
func (r *Reconciler) mergeLocked(event realtime.Event) bool {
	rule, ok := r.rules[event.Kind]
	if !ok {
		return false
	}
	if err := r.validator.Validate(event.Kind, event.Payload); err != nil {
		r.logger.Warn("rejecting event payload", "kind", event.Kind, "error", err)
		r.metrics.EventRejected(r.name, event.Kind)
		return false
	}
	rule.Merge(r.counters, event.Payload)
	r.applied++
	r.metrics.EventApplied(r.name, event.Kind)
	return true
}

func (r *Reconciler) touchLocked() (AggregateView, []func(AggregateView)) {
	r.version++
	r.updatedAt = time.Now().UTC()
	fns := make([]func(AggregateView), 0, len(r.listeners))
	for _, l := range r.listeners {
		fns = append(fns, l.fn)
	}
	return r.viewLocked(), fns
}

func (r *Reconciler) viewLocked() AggregateView {
	return AggregateView{
		Name:              r.name,
		Counters:          Snapshot(r.counters).clone(),
		Baseline:          r.baseline.clone(),
		AppliedEventCount: r.applied,
		PendingEvents:     len(r.pending),
		Stale:             r.stale,
		Loading:           r.loading,
		Err:               r.lastErr,
		Version:           r.version,
		UpdatedAt:         r.updatedAt,
	}
}

func notify(listeners []func(AggregateView), view AggregateView) {
	for _, fn := range listeners {
		fn(view)
	}
}
