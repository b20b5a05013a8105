package repository

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"peak-tracker-service/internal/domain"
	"peak-tracker-service/internal/observability"
)

const maxUsernameLen = 20

type MemberRepository interface {
	Create(ctx context.Context, sessionID, username, deviceID string) (*domain.Member, error)
	ListBySession(ctx context.Context, sessionID string) ([]domain.Member, error)
	UpdateLocation(ctx context.Context, memberID, deviceID string, lat, lng float64, at time.Time) (*domain.Member, error)
	Delete(ctx context.Context, memberID, deviceID string) (*domain.Member, error)
}

type GormMemberRepository struct{ db *gorm.DB }

func NewMemberRepository(db *gorm.DB) MemberRepository { return &GormMemberRepository{db: db} }

// Create inserts a member with no location yet. The session must exist and
// be unexpired.
func (r *GormMemberRepository) Create(ctx context.Context, sessionID, username, deviceID string) (*domain.Member, error) {
	username = strings.TrimSpace(username)
	// Length is in characters, not bytes; multibyte names count per rune.
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLen {
		observability.RecordRepositoryOperation(ctx, "member", "create", "invalid_username")
		return nil, ErrInvalidUsername
	}

	m := &domain.Member{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Username:  username,
		DeviceID:  deviceID,
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.Session
		err := tx.Where("id = ? AND expires_at >= ?", sessionID, time.Now().UTC()).First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		return tx.Create(m).Error
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "member", "create", "session_not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "member", "create", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "member", "create", "success")
	return m, nil
}

// ListBySession returns members in insertion order, used once at join time
// to seed the new client's view.
func (r *GormMemberRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.Member, error) {
	var members []domain.Member
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&members).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "member", "list_by_session", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "member", "list_by_session", "success")
	return members, nil
}

// UpdateLocation writes the member's own coordinates, last-write-wins on a
// monotonically non-decreasing last_seen. Only the owning device may write;
// a mismatch is indistinguishable from a vanished member. A write that lost
// the race to a fresher sample is not an error: the current row is returned.
func (r *GormMemberRepository) UpdateLocation(ctx context.Context, memberID, deviceID string, lat, lng float64, at time.Time) (*domain.Member, error) {
	err := r.db.WithContext(ctx).Model(&domain.Member{}).
		Where("id = ? AND device_id = ? AND (last_seen IS NULL OR last_seen <= ?)", memberID, deviceID, at).
		Updates(map[string]any{"latitude": lat, "longitude": lng, "last_seen": at}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "member", "update_location", "error")
		return nil, err
	}

	var m domain.Member
	err = r.db.WithContext(ctx).
		Where("id = ? AND device_id = ?", memberID, deviceID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "member", "update_location", "not_found")
			return nil, ErrMemberNotFound
		}
		observability.RecordRepositoryOperation(ctx, "member", "update_location", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "member", "update_location", "success")
	return &m, nil
}

// Delete removes the member's own row and returns it, or nil when the row
// was already gone. Absence is not an error, which makes leave idempotent.
func (r *GormMemberRepository) Delete(ctx context.Context, memberID, deviceID string) (*domain.Member, error) {
	var deleted *domain.Member
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m domain.Member
		err := tx.Where("id = ? AND device_id = ?", memberID, deviceID).First(&m).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Where("id = ?", m.ID).Delete(&domain.Member{}).Error; err != nil {
			return err
		}
		deleted = &m
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "member", "delete", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "member", "delete", "success")
	return deleted, nil
}
