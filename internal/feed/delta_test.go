package feed

import (
	"testing"

	"peak-tracker-service/internal/domain"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	lat, lng := 51.3, -117.5
	m := &domain.Member{ID: "m1", SessionID: "s1", Username: "anna", Latitude: &lat, Longitude: &lng}

	payload, err := Updated(m).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != DeltaUpdated || got.MemberID != "m1" {
		t.Fatalf("unexpected delta: %+v", got)
	}
	if got.Member == nil || got.Member.Latitude == nil || *got.Member.Latitude != lat {
		t.Fatalf("member payload lost: %+v", got.Member)
	}
}

func TestDecodeRemovedCarriesOnlyID(t *testing.T) {
	payload, err := Removed("m2").Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != DeltaRemoved || got.MemberID != "m2" || got.Member != nil {
		t.Fatalf("unexpected delta: %+v", got)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	cases := []string{
		"not json",
		`{"type":"exploded","member_id":"m1"}`,
		`{"type":"removed"}`,
	}
	for _, payload := range cases {
		if _, err := Decode([]byte(payload)); err == nil {
			t.Errorf("expected decode error for %q", payload)
		}
	}
	if _, err := Decode([]byte(`{"type":"removed","member_id":"m1"}`)); err != nil {
		t.Fatalf("minimal removed delta should decode: %v", err)
	}
}
