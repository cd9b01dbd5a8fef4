package upstream

import (
	"errors"
	"fmt"
	"time"
)

// Slot names which configured credential a key came from.
type Slot string

const (
	SlotPrimary   Slot = "primary"
	SlotSecondary Slot = "secondary"
	SlotLegacy    Slot = "legacy"
)

// ErrNoCredential is returned when no upstream credential is configured.
var ErrNoCredential = errors.New("upstream: no credential configured")

// RotationDateLayout is the calendar-date format of the rotation date.
const RotationDateLayout = "2006-01-02"

// Key is a credential selected for one upstream call.
type Key struct {
	Slot   Slot
	Secret string
}

// Keyring holds the upstream credentials and the rotation schedule.
// Selection is recomputed on every call and never cached.
type Keyring struct {
	Primary   string
	Secondary string
	Legacy    string
	// RotationDate is the UTC midnight from which Secondary is preferred.
	// Zero means no rotation is scheduled.
	RotationDate time.Time
}

// ParseRotationDate parses a YYYY-MM-DD date as UTC midnight. An empty
// string yields the zero time.
func ParseRotationDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(RotationDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("upstream: invalid rotation date %q: %w", s, err)
	}
	return t, nil
}

// Empty reports whether no credential is configured at all.
func (k Keyring) Empty() bool {
	return k.Primary == "" && k.Secondary == "" && k.Legacy == ""
}

// Rotated reports whether the rotation date has been reached at now.
func (k Keyring) Rotated(now time.Time) bool {
	return !k.RotationDate.IsZero() && !now.Before(k.RotationDate)
}

// Select returns the credential to use at now: Secondary once the rotation
// date is reached, Primary before it. When the preferred credential is not
// configured the legacy credential is used, then the remaining rotation
// credential.
func (k Keyring) Select(now time.Time) (Key, error) {
	preferred, other := Key{SlotPrimary, k.Primary}, Key{SlotSecondary, k.Secondary}
	if k.Rotated(now) {
		preferred, other = other, preferred
	}

	for _, c := range []Key{preferred, {SlotLegacy, k.Legacy}, other} {
		if c.Secret != "" {
			return c, nil
		}
	}
	return Key{}, ErrNoCredential
}

// Fallback returns the secondary credential to retry with after used was
// rejected. It reports false when there is no secondary or it was already
// the one used.
func (k Keyring) Fallback(used Key) (Key, bool) {
	if k.Secondary == "" || used.Secret == k.Secondary {
		return Key{}, false
	}
	return Key{SlotSecondary, k.Secondary}, true
}
