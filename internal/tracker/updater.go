package tracker

import (
	"context"
	"errors"
	"sync"

	"peak-tracker-service/internal/repository"
)

type sample struct {
	lat, lng float64
}

// locationUpdater serializes location writes: a single goroutine issues at
// most one store update at a time, and a sample arriving while an update is
// in flight overwrites the pending slot (keep only the freshest).
type locationUpdater struct {
	tracker *locationSink

	pending  chan sample
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// locationSink is the slice of Tracker the updater needs; split out so the
// updater logic is testable in isolation.
type locationSink struct {
	t        *Tracker
	memberID string
}

func newLocationUpdater(t *Tracker) *locationUpdater {
	u := &locationUpdater{
		tracker: &locationSink{t: t, memberID: t.memberID},
		pending: make(chan sample, 1),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go u.loop()
	return u
}

// offer coalesces: an unconsumed pending sample is replaced by the newer one.
func (u *locationUpdater) offer(s sample) {
	for {
		select {
		case u.pending <- s:
			return
		default:
		}
		select {
		case <-u.pending:
		default:
		}
	}
}

func (u *locationUpdater) stop() {
	u.stopOnce.Do(func() { close(u.stopped) })
}

func (u *locationUpdater) loop() {
	defer close(u.done)
	t := u.tracker.t
	for {
		select {
		case <-u.stopped:
			return
		case s := <-u.pending:
			_, err := t.store.ReportLocation(context.Background(), u.tracker.memberID, t.deviceID, s.lat, s.lng)
			if err == nil {
				continue
			}
			if errors.Is(err, repository.ErrMemberNotFound) || errors.Is(err, repository.ErrSessionNotFound) {
				// Swept or removed mid-update: terminal for this session,
				// not a crash.
				go t.sessionEnded()
				return
			}
			// Transient store trouble: drop the sample, the next one
			// supersedes it anyway.
			t.logger.Warn("location update failed", "member_id", u.tracker.memberID, "error", err)
		}
	}
}
