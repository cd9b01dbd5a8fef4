package upstream

import (
	"errors"
	"testing"
	"time"
)

var rotation = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestParseRotationDate(t *testing.T) {
	got, err := ParseRotationDate("2025-06-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(rotation) {
		t.Errorf("got %v, want %v", got, rotation)
	}

	if got, err := ParseRotationDate(""); err != nil || !got.IsZero() {
		t.Errorf("empty date: got %v, %v", got, err)
	}
	if _, err := ParseRotationDate("01/06/2025"); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestKeyring_Select(t *testing.T) {
	before := rotation.Add(-time.Second)
	after := rotation.Add(time.Hour)

	tests := []struct {
		name string
		ring Keyring
		now  time.Time
		want Key
	}{
		{"primary before rotation", Keyring{Primary: "p", Secondary: "s", RotationDate: rotation}, before, Key{SlotPrimary, "p"}},
		{"secondary at rotation", Keyring{Primary: "p", Secondary: "s", RotationDate: rotation}, rotation, Key{SlotSecondary, "s"}},
		{"secondary after rotation", Keyring{Primary: "p", Secondary: "s", RotationDate: rotation}, after, Key{SlotSecondary, "s"}},
		{"no rotation date", Keyring{Primary: "p", Secondary: "s"}, after, Key{SlotPrimary, "p"}},
		{"legacy only", Keyring{Legacy: "l", RotationDate: rotation}, after, Key{SlotLegacy, "l"}},
		{"legacy before missing primary", Keyring{Secondary: "s", Legacy: "l", RotationDate: rotation}, before, Key{SlotLegacy, "l"}},
		{"other rotation key last", Keyring{Secondary: "s", RotationDate: rotation}, before, Key{SlotSecondary, "s"}},
		{"primary after rotation without secondary", Keyring{Primary: "p", RotationDate: rotation}, after, Key{SlotPrimary, "p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.ring.Select(tt.now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Select = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestKeyring_SelectEmpty(t *testing.T) {
	var k Keyring
	if !k.Empty() {
		t.Error("zero keyring should be empty")
	}
	if _, err := k.Select(time.Now()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("error = %v, want ErrNoCredential", err)
	}
}

func TestKeyring_Fallback(t *testing.T) {
	k := Keyring{Primary: "p", Secondary: "s", Legacy: "l"}

	got, ok := k.Fallback(Key{SlotPrimary, "p"})
	if !ok || got != (Key{SlotSecondary, "s"}) {
		t.Errorf("Fallback from primary = %+v/%v", got, ok)
	}
	if _, ok := k.Fallback(Key{SlotLegacy, "l"}); !ok {
		t.Error("legacy should fall back to secondary")
	}
	if _, ok := k.Fallback(Key{SlotSecondary, "s"}); ok {
		t.Error("secondary must not fall back to itself")
	}
	if _, ok := (Keyring{Primary: "p"}).Fallback(Key{SlotPrimary, "p"}); ok {
		t.Error("no fallback without a secondary")
	}
}
