package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"peak-tracker-service/internal/code"
	"peak-tracker-service/internal/domain"
	"peak-tracker-service/internal/observability"
)

// createRetries bounds the generate->insert loop when a freshly generated
// code is already held by a live session.
const createRetries = 5

type SessionRepository interface {
	Create(ctx context.Context) (*domain.Session, error)
	FindByCode(ctx context.Context, rawCode string) (*domain.Session, error)
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, []domain.Member, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

// Create allocates a session with a code unique among non-expired sessions.
// Uniqueness is the code column's unique index, so two racing creates that
// draw the same code cannot both commit: the loser's insert conflicts and it
// retries with a fresh code. A code held only by expired rows is reclaimed
// inside the insert transaction.
func (r *GormSessionRepository) Create(ctx context.Context) (*domain.Session, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		s, err := r.createWithCode(ctx, code.Generate())
		if err == nil {
			observability.RecordRepositoryOperation(ctx, "session", "create", "success")
			return s, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			observability.RecordRepositoryOperation(ctx, "session", "create", "code_collision")
			continue
		}
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "exhausted")
	return nil, ErrCodeSpaceBusy
}

// createWithCode inserts one session. Expired rows holding the code are
// swept (members first) in the same transaction so their code frees up;
// a live holder surfaces as gorm.ErrDuplicatedKey from the unique index.
func (r *GormSessionRepository) createWithCode(ctx context.Context, sessionCode string) (*domain.Session, error) {
	now := time.Now().UTC()
	s := &domain.Session{
		ID:        uuid.NewString(),
		Code:      sessionCode,
		CreatedAt: now,
		ExpiresAt: now.Add(domain.SessionTTL),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var staleIDs []string
		if err := tx.Model(&domain.Session{}).
			Where("code = ? AND expires_at < ?", sessionCode, now).
			Pluck("id", &staleIDs).Error; err != nil {
			return err
		}
		if len(staleIDs) > 0 {
			if err := tx.Where("session_id IN ?", staleIDs).Delete(&domain.Member{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", staleIDs).Delete(&domain.Session{}).Error; err != nil {
				return err
			}
		}
		return tx.Create(s).Error
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FindByCode resolves a user-typed code against non-expired sessions only.
// Input is case-insensitive; storage is upper-cased.
func (r *GormSessionRepository) FindByCode(ctx context.Context, rawCode string) (*domain.Session, error) {
	normalized := code.Normalize(rawCode)
	var s domain.Session
	err := r.db.WithContext(ctx).
		Where("code = ? AND expires_at >= ?", normalized, time.Now().UTC()).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_code", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_code", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_code", "success")
	return &s, nil
}

func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).
		Where("id = ? AND expires_at >= ?", id, time.Now().UTC()).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_id", "success")
	return &s, nil
}

// DeleteExpired removes sessions whose expiry has passed, members first so
// referential integrity holds. Returns the number of sessions deleted plus
// the member rows that went with them, so the caller can emit removal
// deltas. Repeated calls with no new expirations return 0.
func (r *GormSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, []domain.Member, error) {
	var cleaned int64
	var removed []domain.Member
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&domain.Session{}).
			Where("expires_at < ?", now).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Select("id", "session_id").
			Where("session_id IN ?", ids).
			Find(&removed).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&domain.Member{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&domain.Session{})
		if res.Error != nil {
			return res.Error
		}
		cleaned = res.RowsAffected
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "error")
		return 0, nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_expired", "success")
	return cleaned, removed, nil
}
