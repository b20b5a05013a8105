package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"peak-tracker-service/internal/code"
	"peak-tracker-service/internal/domain"
)

func TestCreateAllocatesLiveSession(t *testing.T) {
	_, sessions, _ := newReposForTest(t)
	ctx := context.Background()

	s, err := sessions.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !code.Valid(s.Code) {
		t.Fatalf("session code %q has wrong shape", s.Code)
	}
	ttl := s.ExpiresAt.Sub(s.CreatedAt)
	if ttl != domain.SessionTTL {
		t.Fatalf("expected ttl %v, got %v", domain.SessionTTL, ttl)
	}
	if s.Expired(time.Now().UTC()) {
		t.Fatal("fresh session must not be expired")
	}
}

func TestFindByCodeIsCaseInsensitive(t *testing.T) {
	_, sessions, _ := newReposForTest(t)
	ctx := context.Background()

	created, err := sessions.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := sessions.FindByCode(ctx, " "+strings.ToLower(created.Code)+" ")
	if err != nil {
		t.Fatalf("find by lower-cased code: %v", err)
	}
	if found.ID != created.ID {
		t.Fatalf("resolved wrong session: %q != %q", found.ID, created.ID)
	}
}

func TestCreateConflictsOnLiveCodeHolder(t *testing.T) {
	_, sessions, _ := newReposForTest(t)
	ctx := context.Background()
	repo := sessions.(*GormSessionRepository)

	first, err := repo.createWithCode(ctx, "K7PX")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}

	// The unique index, not a pre-insert check, is what blocks the second
	// live holder; this is what makes racing creates safe.
	if _, err := repo.createWithCode(ctx, "K7PX"); !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("second live holder: expected gorm.ErrDuplicatedKey, got %v", err)
	}

	var count int64
	if err := repo.db.Model(&domain.Session{}).Where("code = ?", "K7PX").Count(&count).Error; err != nil {
		t.Fatalf("count holders: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 row holding the code, got %d", count)
	}
	found, err := sessions.FindByCode(ctx, "K7PX")
	if err != nil {
		t.Fatalf("surviving holder unresolvable: %v", err)
	}
	if found.ID != first.ID {
		t.Fatalf("code resolves to %q, want the first session %q", found.ID, first.ID)
	}
}

func TestCreateReclaimsExpiredCodeHolder(t *testing.T) {
	db, sessions, members := newReposForTest(t)
	ctx := context.Background()
	repo := sessions.(*GormSessionRepository)

	stale := seedExpiredSession(t, db, "K7PX")
	seedMember(t, db, stale.ID, "ghost")

	fresh, err := repo.createWithCode(ctx, "K7PX")
	if err != nil {
		t.Fatalf("create over expired holder: %v", err)
	}
	if fresh.ID == stale.ID {
		t.Fatal("expected a new session row, not the stale one")
	}

	found, err := sessions.FindByCode(ctx, "K7PX")
	if err != nil {
		t.Fatalf("find reclaimed code: %v", err)
	}
	if found.ID != fresh.ID {
		t.Fatalf("code resolves to %q, want the fresh session %q", found.ID, fresh.ID)
	}

	// The stale holder and its members are gone.
	var staleCount int64
	if err := db.Model(&domain.Session{}).Where("id = ?", stale.ID).Count(&staleCount).Error; err != nil {
		t.Fatalf("count stale session: %v", err)
	}
	if staleCount != 0 {
		t.Fatal("stale session row survived the reclaim")
	}
	ghosts, err := members.ListBySession(ctx, stale.ID)
	if err != nil {
		t.Fatalf("list stale members: %v", err)
	}
	if len(ghosts) != 0 {
		t.Fatalf("stale members survived the reclaim: %d", len(ghosts))
	}
}

func TestFindByCodeUnknown(t *testing.T) {
	_, sessions, _ := newReposForTest(t)

	if _, err := sessions.FindByCode(context.Background(), "ZZZZ"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestExpiredSessionIsInvisible(t *testing.T) {
	db, sessions, _ := newReposForTest(t)
	ctx := context.Background()

	expired := seedExpiredSession(t, db, "EXPD")

	if _, err := sessions.FindByCode(ctx, "EXPD"); err != ErrSessionNotFound {
		t.Fatalf("expired session resolved by code: %v", err)
	}
	if _, err := sessions.FindByID(ctx, expired.ID); err != ErrSessionNotFound {
		t.Fatalf("expired session resolved by id: %v", err)
	}
}

func TestDeleteExpiredSweepsSessionsAndMembers(t *testing.T) {
	db, sessions, members := newReposForTest(t)
	ctx := context.Background()

	live, err := sessions.Create(ctx)
	if err != nil {
		t.Fatalf("create live: %v", err)
	}
	if _, err := members.Create(ctx, live.ID, "keeper", "dev-1"); err != nil {
		t.Fatalf("create live member: %v", err)
	}

	expiredA := seedExpiredSession(t, db, "EXPA")
	expiredB := seedExpiredSession(t, db, "EXPB")
	seedMember(t, db, expiredA.ID, "ghost-1")
	seedMember(t, db, expiredA.ID, "ghost-2")
	seedMember(t, db, expiredB.ID, "ghost-3")

	cleaned, removed, err := sessions.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if cleaned != 2 {
		t.Fatalf("expected 2 sessions cleaned, got %d", cleaned)
	}
	if len(removed) != 3 {
		t.Fatalf("expected 3 removed members, got %d", len(removed))
	}
	for _, m := range removed {
		if m.SessionID != expiredA.ID && m.SessionID != expiredB.ID {
			t.Fatalf("removed member from a live session: %+v", m)
		}
	}

	survivors, err := members.ListBySession(ctx, live.ID)
	if err != nil {
		t.Fatalf("list survivors: %v", err)
	}
	if len(survivors) != 1 {
		t.Fatalf("live session lost members: %d", len(survivors))
	}

	cleaned, removed, err = sessions.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if cleaned != 0 || len(removed) != 0 {
		t.Fatalf("second sweep must be a no-op, got %d sessions %d members", cleaned, len(removed))
	}
}

func newReposForTest(t *testing.T) (*gorm.DB, SessionRepository, MemberRepository) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Session{}, &domain.Member{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, NewSessionRepository(db), NewMemberRepository(db)
}

func seedExpiredSession(t *testing.T, db *gorm.DB, sessionCode string) *domain.Session {
	t.Helper()
	now := time.Now().UTC()
	s := &domain.Session{
		ID:        uuid.NewString(),
		Code:      sessionCode,
		CreatedAt: now.Add(-domain.SessionTTL - time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("seed expired session: %v", err)
	}
	return s
}

func seedMember(t *testing.T, db *gorm.DB, sessionID, username string) *domain.Member {
	t.Helper()
	m := &domain.Member{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Username:  username,
		DeviceID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("seed member: %v", err)
	}
	return m
}
