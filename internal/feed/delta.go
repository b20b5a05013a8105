// Package feed broadcasts incremental membership changes to every observer
// of a session. Delivery is at-least-once; consumers de-duplicate by member
// id when applying deltas to their local view.
package feed

import (
	"encoding/json"
	"fmt"

	"peak-tracker-service/internal/domain"
)

type DeltaType string

const (
	DeltaInserted DeltaType = "inserted"
	DeltaUpdated  DeltaType = "updated"
	DeltaRemoved  DeltaType = "removed"
)

// MemberDelta is one membership change. Member is set for inserted/updated;
// removed carries only the id.
type MemberDelta struct {
	Type     DeltaType      `json:"type"`
	MemberID string         `json:"member_id"`
	Member   *domain.Member `json:"member,omitempty"`
}

func Inserted(m *domain.Member) MemberDelta {
	return MemberDelta{Type: DeltaInserted, MemberID: m.ID, Member: m}
}

func Updated(m *domain.Member) MemberDelta {
	return MemberDelta{Type: DeltaUpdated, MemberID: m.ID, Member: m}
}

func Removed(memberID string) MemberDelta {
	return MemberDelta{Type: DeltaRemoved, MemberID: memberID}
}

func (d MemberDelta) Encode() ([]byte, error) {
	return json.Marshal(d)
}

func Decode(payload []byte) (MemberDelta, error) {
	var d MemberDelta
	if err := json.Unmarshal(payload, &d); err != nil {
		return MemberDelta{}, fmt.Errorf("decode member delta: %w", err)
	}
	switch d.Type {
	case DeltaInserted, DeltaUpdated, DeltaRemoved:
	default:
		return MemberDelta{}, fmt.Errorf("unknown delta type %q", d.Type)
	}
	if d.MemberID == "" {
		return MemberDelta{}, fmt.Errorf("delta without member id")
	}
	return d, nil
}
