// internal/membership/domain.go
package membership

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Status is the canonical membership state.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusNone    Status = "none"
)

// Role identifies which rule set of the policy applies to an actor.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleAgent  Role = "agent"
	RoleMember Role = "member"
)

func (r Role) valid() bool {
	switch r {
	case RoleAdmin, RoleAgent, RoleMember:
		return true
	}
	return false
}

// Region is one of the configured region codes.
type Region string

// Member is one person's membership record.
type Member struct {
	ID        uuid.UUID  `json:"id"`
	MemberNo  string     `json:"memberNo"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone"`
	OrgID     string     `json:"orgId"`
	Region    Region     `json:"region"`
	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt"`
	AgentID   *uuid.UUID `json:"agentId"`
	Year      *int       `json:"year"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Actor is the authenticated caller. A nil *Actor is an unauthenticated caller.
type Actor struct {
	UID            uuid.UUID `json:"uid"`
	Role           Role      `json:"role"`
	AllowedRegions []Region  `json:"allowedRegions,omitempty"`
}

func (a *Actor) inRegion(r Region) bool {
	for _, allowed := range a.AllowedRegions {
		if allowed == r {
			return true
		}
	}
	return false
}

// Account holds login credentials for an actor.
type Account struct {
	ID             uuid.UUID
	Email          string
	Role           Role
	AllowedRegions []Region
	PasswordHash   string
	Salt           string
	CreatedAt      time.Time
}

// Actor returns the policy view of the account.
func (a *Account) Actor() *Actor {
	return &Actor{UID: a.ID, Role: a.Role, AllowedRegions: a.AllowedRegions}
}

// Period is the length of a paid membership term.
type Period struct {
	Months int `json:"months"`
}

func (p Period) valid() bool {
	return p.Months > 0 && p.Months <= 60
}

// After returns t advanced by the period.
func (p Period) After(t time.Time) time.Time {
	return t.AddDate(0, p.Months, 0)
}

// Record is one membership sub-record: a paid term of a member.
type Record struct {
	ID        uuid.UUID `json:"id"`
	MemberID  uuid.UUID `json:"memberId"`
	Year      int       `json:"year"`
	Status    string    `json:"status"`
	StartsAt  time.Time `json:"startsAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	InvoiceID string    `json:"invoiceId,omitempty"`
}

const (
	recordActive  = "active"
	recordRevoked = "revoked"
)

// ExportRow is one line of the membership export.
type ExportRow struct {
	MemberNo string
	Name     string
	Email    string
	Phone    string
	Region   Region
	OrgID    string
	Active   bool
}

var memberNoPattern = regexp.MustCompile(`^INT-\d{4}-\d{6}$`)

// FormatMemberNo renders the human-facing member number for a year and sequence.
func FormatMemberNo(year int, seq int64) string {
	return fmt.Sprintf("INT-%04d-%06d", year, seq)
}

// maxMemberSeq is the last sequence number that fits the six-digit field.
const maxMemberSeq = 999999

// NextMemberNoFor formats the seq'th member number of year. It fails instead
// of minting a number ValidMemberNo would reject.
func NextMemberNoFor(year int, seq int64) (string, error) {
	if seq > maxMemberSeq {
		return "", newError(CodeConflict, "member numbers for %d are exhausted", year)
	}
	no := FormatMemberNo(year, seq)
	if !ValidMemberNo(no) {
		return "", newError(CodeMalformedInput, "cannot number member %d of year %d", seq, year)
	}
	return no, nil
}

// ValidMemberNo reports whether s has the INT-YYYY-NNNNNN shape.
func ValidMemberNo(s string) bool {
	return memberNoPattern.MatchString(s)
}

// Journal event types.
const (
	EventMemberRegistered    = "MemberRegistered"
	EventMembershipActivated = "MembershipActivated"
	EventMembershipRevoked   = "MembershipRevoked"
	EventProfileUpdated      = "MemberProfileUpdated"
)

// MemberRegisteredEvent is journaled when a member is created.
type MemberRegisteredEvent struct {
	ID       uuid.UUID `json:"id"`
	MemberNo string    `json:"memberNo"`
	Name     string    `json:"name"`
	Region   Region    `json:"region"`
}

// MembershipActivatedEvent is journaled on activation and renewal.
type MembershipActivatedEvent struct {
	ID        uuid.UUID `json:"id"`
	RecordID  uuid.UUID `json:"recordId"`
	Year      int       `json:"year"`
	ExpiresAt time.Time `json:"expiresAt"`
	InvoiceID string    `json:"invoiceId,omitempty"`
}

// MembershipRevokedEvent is journaled when an admin ends a membership early.
type MembershipRevokedEvent struct {
	ID        uuid.UUID `json:"id"`
	RevokedAt time.Time `json:"revokedAt"`
}

// ProfileUpdatedEvent is journaled on a field write.
type ProfileUpdatedEvent struct {
	ID     uuid.UUID `json:"id"`
	Fields []Field   `json:"fields"`
}
