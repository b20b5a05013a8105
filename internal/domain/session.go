package domain

import "time"

// SessionTTL is how long a session lives after creation. Fixed, not
// configurable per session.
const SessionTTL = 18 * time.Hour

type Session struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Code      string    `gorm:"size:8;uniqueIndex;not null" json:"code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}
