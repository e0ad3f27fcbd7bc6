// internal/membership/status.go
package membership

import "time"

// DeriveStatus maps a persisted expiry to the canonical status at now.
// It is the single source of truth; Member.Status is only a cache of it.
func DeriveStatus(expiresAt *time.Time, now time.Time) Status {
	switch {
	case expiresAt == nil:
		return StatusNone
	case expiresAt.After(now):
		return StatusActive
	default:
		return StatusExpired
	}
}

// IsActive is the active-membership predicate: expiresAt is set and strictly after now.
func IsActive(expiresAt *time.Time, now time.Time) bool {
	return DeriveStatus(expiresAt, now) == StatusActive
}

// LiveStatus is a status computed against a fresh clock. Decisions that must
// not trust the cached Member.Status take a LiveStatus, which only
// EvaluateStatus can produce.
type LiveStatus struct {
	status Status
	at     time.Time
}

// EvaluateStatus derives m's status at now.
func EvaluateStatus(m *Member, now time.Time) LiveStatus {
	return LiveStatus{status: DeriveStatus(m.ExpiresAt, now), at: now}
}

// Status returns the derived status.
func (s LiveStatus) Status() Status { return s.status }

// Active reports whether the membership was active at evaluation time.
func (s LiveStatus) Active() bool { return s.status == StatusActive }

// At returns the clock reading the status was derived against.
func (s LiveStatus) At() time.Time { return s.at }
