package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"peak-tracker-service/internal/code"
	"peak-tracker-service/internal/domain"
	"peak-tracker-service/internal/feed"
	"peak-tracker-service/internal/observability"
	"peak-tracker-service/internal/repository"
)

// JoinResult is what a client needs to seed its local view after create or
// join: the session, its own member row, and the full member list.
type JoinResult struct {
	Session *domain.Session `json:"session"`
	Member  *domain.Member  `json:"member"`
	Members []domain.Member `json:"members"`
}

// SessionService is the single source of truth for membership mutations.
// Every successful mutation publishes exactly one delta on the change feed;
// publishing is best-effort and never fails the mutation itself.
type SessionService struct {
	sessions repository.SessionRepository
	members  repository.MemberRepository
	feed     feed.Feed
	logger   *slog.Logger
}

func NewSessionService(sessions repository.SessionRepository, members repository.MemberRepository, f feed.Feed, logger *slog.Logger) *SessionService {
	return &SessionService{sessions: sessions, members: members, feed: f, logger: logger}
}

// Create starts a fresh session with the caller as its sole member.
func (s *SessionService) Create(ctx context.Context, username, deviceID string) (*JoinResult, error) {
	sess, err := s.sessions.Create(ctx)
	if err != nil {
		observability.RecordSessionCreate(ctx, "error")
		return nil, err
	}
	member, err := s.members.Create(ctx, sess.ID, username, deviceID)
	if err != nil {
		observability.RecordSessionCreate(ctx, "member_error")
		return nil, err
	}
	s.publish(ctx, sess.ID, feed.Inserted(member))
	observability.RecordSessionCreate(ctx, "success")
	s.logger.Info("session created", "session_id", sess.ID, "code", sess.Code)
	return &JoinResult{Session: sess, Member: member, Members: []domain.Member{*member}}, nil
}

// Join resolves a code, inserts the caller, and seeds its view from the
// current member list. The caller's own row appears exactly once even when
// the list read already contains it.
func (s *SessionService) Join(ctx context.Context, rawCode, username, deviceID string) (*JoinResult, error) {
	normalized := code.Normalize(rawCode)
	if !code.Valid(normalized) {
		observability.RecordSessionJoin(ctx, "invalid_code")
		return nil, ErrInvalidCode
	}
	sess, err := s.sessions.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordSessionJoin(ctx, "not_found")
		} else {
			observability.RecordSessionJoin(ctx, "error")
		}
		return nil, err
	}
	member, err := s.members.Create(ctx, sess.ID, username, deviceID)
	if err != nil {
		observability.RecordSessionJoin(ctx, "member_error")
		return nil, err
	}

	members, err := s.members.ListBySession(ctx, sess.ID)
	if err != nil {
		// The join itself succeeded; fall back to a view with just the
		// new member rather than failing the whole operation.
		s.logger.Warn("seeding member list failed after join", "session_id", sess.ID, "error", err)
		members = []domain.Member{*member}
	}
	members = dedupeByID(members, member)

	s.publish(ctx, sess.ID, feed.Inserted(member))
	observability.RecordSessionJoin(ctx, "success")
	s.logger.Info("member joined", "session_id", sess.ID, "member_id", member.ID)
	return &JoinResult{Session: sess, Member: member, Members: members}, nil
}

// ReportLocation writes the caller's own coordinates. Last-write-wins on
// last_seen; the freshest committed row is what gets broadcast.
func (s *SessionService) ReportLocation(ctx context.Context, memberID, deviceID string, lat, lng float64) (*domain.Member, error) {
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		observability.RecordLocationUpdate(ctx, "invalid")
		return nil, ErrInvalidCoordinates
	}
	member, err := s.members.UpdateLocation(ctx, memberID, deviceID, lat, lng, time.Now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) {
			observability.RecordLocationUpdate(ctx, "not_found")
		} else {
			observability.RecordLocationUpdate(ctx, "error")
		}
		return nil, err
	}
	s.publish(ctx, member.SessionID, feed.Updated(member))
	observability.RecordLocationUpdate(ctx, "success")
	return member, nil
}

// Leave deletes the caller's member row. Deleting an already-gone member is
// a no-op and emits no delta.
func (s *SessionService) Leave(ctx context.Context, memberID, deviceID string) error {
	deleted, err := s.members.Delete(ctx, memberID, deviceID)
	if err != nil {
		return err
	}
	if deleted != nil {
		s.publish(ctx, deleted.SessionID, feed.Removed(deleted.ID))
		s.logger.Info("member left", "session_id", deleted.SessionID, "member_id", deleted.ID)
	}
	return nil
}

// Members returns the current member list of a live session.
func (s *SessionService) Members(ctx context.Context, sessionID string) ([]domain.Member, error) {
	if _, err := s.sessions.FindByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.members.ListBySession(ctx, sessionID)
}

// Session resolves a live session by id.
func (s *SessionService) Session(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.sessions.FindByID(ctx, sessionID)
}

// CleanupExpired is the sweeper entry point: deletes expired sessions and
// their members, broadcasting a removal delta for each swept member so
// connected observers converge without waiting for their own store errors.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	cleaned, removed, err := s.sessions.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for i := range removed {
		s.publish(ctx, removed[i].SessionID, feed.Removed(removed[i].ID))
	}
	observability.RecordSweep(ctx, cleaned)
	return cleaned, nil
}

func (s *SessionService) publish(ctx context.Context, sessionID string, delta feed.MemberDelta) {
	if err := s.feed.Publish(ctx, sessionID, delta); err != nil {
		s.logger.Warn("feed publish failed",
			"session_id", sessionID,
			"delta_type", string(delta.Type),
			"member_id", delta.MemberID,
			"error", err,
		)
	}
}

func dedupeByID(members []domain.Member, own *domain.Member) []domain.Member {
	out := members[:0]
	seen := make(map[string]bool, len(members)+1)
	for _, m := range members {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	if !seen[own.ID] {
		out = append(out, *own)
	}
	return out
}
