package domain

import "time"

// Member is one device's presence in a session. Latitude/Longitude/LastSeen
// are set together or not at all; only the owning device ever writes them.
type Member struct {
	ID        string     `gorm:"primaryKey;size:36" json:"id"`
	SessionID string     `gorm:"size:36;index;not null" json:"session_id"`
	Username  string     `gorm:"size:20;not null" json:"username"`
	DeviceID  string     `gorm:"size:36;index;not null" json:"device_id"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
}

func (m *Member) HasLocation() bool {
	return m.Latitude != nil && m.Longitude != nil
}
