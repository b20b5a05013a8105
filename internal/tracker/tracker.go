// Package tracker is the client-side membership reconciler: a per-client
// state machine that maintains "who is in this session and where are they"
// from an initial seed plus the change feed, and pushes the client's own
// location back to the store.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"peak-tracker-service/internal/domain"
	"peak-tracker-service/internal/feed"
	"peak-tracker-service/internal/repository"
	"peak-tracker-service/internal/service"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateLeft
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeft:
		return "left"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrSessionEnded reports that the session vanished underneath an active
// client (expiry sweep or external removal). Recoverable by starting over.
var ErrSessionEnded = errors.New("session ended")

// Store is the synchronous surface the reconciler drives. Implemented
// in-process by service.SessionService and remotely by client.HTTP.
type Store interface {
	Create(ctx context.Context, username, deviceID string) (*service.JoinResult, error)
	Join(ctx context.Context, code, username, deviceID string) (*service.JoinResult, error)
	ReportLocation(ctx context.Context, memberID, deviceID string, lat, lng float64) (*domain.Member, error)
	Leave(ctx context.Context, memberID, deviceID string) error
}

// Subscription is a live delta stream. Its channel closes when the stream
// ends, by Close or by a broken transport.
type Subscription interface {
	Deltas() <-chan feed.MemberDelta
	Close() error
}

// Feed opens per-session subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}

// FeedFunc adapts a subscribe function to the Feed interface.
type FeedFunc func(ctx context.Context, sessionID string) (Subscription, error)

func (f FeedFunc) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	return f(ctx, sessionID)
}

// View is the observable state handed to the presentation layer.
type View struct {
	State    State
	Session  *domain.Session
	Members  []domain.Member
	MemberID string
	Loading  bool
	FeedDown bool
	Err      error
}

type Tracker struct {
	store    Store
	feed     Feed
	deviceID string
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	session  *domain.Session
	members  []domain.Member
	memberID string
	err      error
	feedDown bool
	sub      Subscription
	updater  *locationUpdater

	updates chan View
}

// New builds an idle reconciler. The device identity is injected here so
// business logic never reads ambient storage (and tests can use synthetic
// identities).
func New(store Store, f Feed, deviceID string, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		feed:     f,
		deviceID: deviceID,
		logger:   logger,
		state:    StateIdle,
		updates:  make(chan View, 1),
	}
}

// Updates is a conflating stream of views: the latest state always wins,
// a slow consumer never blocks the reconciler and never sees stale state
// after draining.
func (t *Tracker) Updates() <-chan View { return t.updates }

// Snapshot returns the current observable state.
func (t *Tracker) Snapshot() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewLocked()
}

// Start creates a new session with the caller as its sole member.
// Valid from Idle (including the re-enterable Left/Failed states).
func (t *Tracker) Start(ctx context.Context, username string) error {
	return t.enter(ctx, func(ctx context.Context) (*service.JoinResult, error) {
		return t.store.Create(ctx, username, t.deviceID)
	})
}

// Join enters an existing session by code and seeds the member view from
// the store's current list.
func (t *Tracker) Join(ctx context.Context, sessionCode, username string) error {
	return t.enter(ctx, func(ctx context.Context) (*service.JoinResult, error) {
		return t.store.Join(ctx, sessionCode, username, t.deviceID)
	})
}

func (t *Tracker) enter(ctx context.Context, op func(context.Context) (*service.JoinResult, error)) error {
	t.mu.Lock()
	switch t.state {
	case StateIdle, StateLeft, StateFailed:
	default:
		t.mu.Unlock()
		return errors.New("already in a session")
	}
	t.state = StateJoining
	t.err = nil
	t.feedDown = false
	t.notifyLocked()
	t.mu.Unlock()

	result, err := op(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = StateFailed
		t.err = err
		t.notifyLocked()
		return err
	}

	t.session = result.Session
	t.memberID = result.Member.ID
	t.members = append([]domain.Member(nil), result.Members...)
	t.state = StateActive

	sub, subErr := t.feed.Subscribe(ctx, result.Session.ID)
	if subErr != nil {
		// The membership itself is fine; only the live stream is down.
		t.logger.Warn("feed subscribe failed", "session_id", result.Session.ID, "error", subErr)
		t.feedDown = true
	} else {
		t.sub = sub
		go t.applyLoop(sub)
	}

	t.updater = newLocationUpdater(t)
	t.notifyLocked()
	return nil
}

// ReportLocation accepts a location sample. Only valid while Active; before
// a member id is assigned it is a silent no-op. Samples are coalesced: at
// most one store update is in flight, and a newer sample supersedes any
// pending one instead of queuing.
func (t *Tracker) ReportLocation(lat, lng float64) {
	t.mu.Lock()
	updater := t.updater
	ready := t.state == StateActive && t.memberID != ""
	t.mu.Unlock()
	if !ready || updater == nil {
		return
	}
	updater.offer(sample{lat: lat, lng: lng})
}

// Leave deletes the member row best-effort and resets to Idle so a new
// Start/Join cycle can begin. Calling it when not Active is a no-op.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return nil
	}
	memberID := t.memberID
	t.teardownLocked()
	t.state = StateIdle
	t.session = nil
	t.members = nil
	t.memberID = ""
	t.err = nil
	t.notifyLocked()
	t.mu.Unlock()

	if err := t.store.Leave(ctx, memberID, t.deviceID); err != nil &&
		!errors.Is(err, repository.ErrMemberNotFound) && !errors.Is(err, repository.ErrSessionNotFound) {
		t.logger.Warn("leave delete failed", "member_id", memberID, "error", err)
		return err
	}
	return nil
}

// Resubscribe re-establishes the delta stream after a feed drop and
// re-seeds nothing by itself; callers refresh via the seeded member list
// they already hold plus subsequent deltas.
func (t *Tracker) Resubscribe(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateActive || !t.feedDown {
		t.mu.Unlock()
		return nil
	}
	sessionID := t.session.ID
	t.mu.Unlock()

	sub, err := t.feed.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		_ = sub.Close()
		return nil
	}
	t.sub = sub
	t.feedDown = false
	go t.applyLoop(sub)
	t.notifyLocked()
	return nil
}

// sessionEnded is the terminal path when the store reports that our member
// or session vanished mid-flight (expiry sweep racing a live client).
func (t *Tracker) sessionEnded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return
	}
	t.teardownLocked()
	t.state = StateFailed
	t.err = ErrSessionEnded
	t.notifyLocked()
}

// teardownLocked releases the subscription and stops the updater exactly
// once. Safe to call from any terminal transition.
func (t *Tracker) teardownLocked() {
	if t.sub != nil {
		_ = t.sub.Close()
		t.sub = nil
	}
	if t.updater != nil {
		t.updater.stop()
		t.updater = nil
	}
}

func (t *Tracker) applyLoop(sub Subscription) {
	for delta := range sub.Deltas() {
		t.apply(delta)
	}

	// Stream ended. If we are still active and this is still the current
	// subscription, the feed dropped out from under us.
	t.mu.Lock()
	if t.state == StateActive && t.sub == sub {
		t.sub = nil
		t.feedDown = true
		t.notifyLocked()
	}
	t.mu.Unlock()
}

// apply folds one delta into the member view: replace a known id on
// inserted/updated, append an unknown id on inserted, remove on removed
// (absence is not an error).
func (t *Tracker) apply(delta feed.MemberDelta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return
	}

	switch delta.Type {
	case feed.DeltaInserted, feed.DeltaUpdated:
		if delta.Member == nil {
			return
		}
		replaced := false
		for i := range t.members {
			if t.members[i].ID == delta.MemberID {
				t.members[i] = *delta.Member
				replaced = true
				break
			}
		}
		if !replaced && delta.Type == feed.DeltaInserted {
			t.members = append(t.members, *delta.Member)
		}
	case feed.DeltaRemoved:
		if delta.MemberID == t.memberID {
			// Our own row is gone: the session ended around us.
			t.teardownLocked()
			t.state = StateFailed
			t.err = ErrSessionEnded
			t.notifyLocked()
			return
		}
		for i := range t.members {
			if t.members[i].ID == delta.MemberID {
				t.members = append(t.members[:i], t.members[i+1:]...)
				break
			}
		}
	}
	t.notifyLocked()
}

func (t *Tracker) viewLocked() View {
	return View{
		State:    t.state,
		Session:  t.session,
		Members:  append([]domain.Member(nil), t.members...),
		MemberID: t.memberID,
		Loading:  t.state == StateJoining,
		FeedDown: t.feedDown,
		Err:      t.err,
	}
}

func (t *Tracker) notifyLocked() {
	v := t.viewLocked()
	select {
	case t.updates <- v:
	default:
		// Replace the stale buffered view with the fresh one.
		select {
		case <-t.updates:
		default:
		}
		select {
		case t.updates <- v:
		default:
		}
	}
}
