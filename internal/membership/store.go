// internal/membership/store.go
package membership

import (
	"context"
	"time"

	"github.com/google/uuid"

	"memberportal/internal/eventstore"
)

// ListFilter narrows a member listing. Status filters on the cached column
// and is for display only.
type ListFilter struct {
	Regions []Region
	Status  Status
	After   string
	Limit   int
}

// ProfileChange is a field write on an existing member.
type ProfileChange struct {
	Member          *Member
	ExpectedVersion int
	Fields          []Field
	ActorID         uuid.UUID
}

// ActivationChange is an activation or renewal of an existing member.
type ActivationChange struct {
	MemberID        uuid.UUID
	ExpectedVersion int
	Record          Record
	// Status is the cache value written with the new expiry.
	Status  Status
	ActorID uuid.UUID
}

// RevocationChange ends a member's current membership at At.
type RevocationChange struct {
	MemberID        uuid.UUID
	ExpectedVersion int
	At              time.Time
	ActorID         uuid.UUID
}

// Store persists members, their membership records and login accounts.
// Every mutation of a member is a single atomic write that also journals the
// change; readers observe the state before or after it, never in between.
type Store interface {
	NextMemberNo(ctx context.Context, year int) (string, error)
	CreateMember(ctx context.Context, m *Member, account *Account, actorID uuid.UUID) error
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	GetMemberByNo(ctx context.Context, memberNo string) (*Member, error)
	ListMembers(ctx context.Context, filter ListFilter) ([]*Member, error)
	UpdateProfile(ctx context.Context, change ProfileChange) (*Member, error)
	DeleteMember(ctx context.Context, id uuid.UUID) error
	Activate(ctx context.Context, change ActivationChange) (*Member, error)
	Revoke(ctx context.Context, change RevocationChange) (*Member, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	History(ctx context.Context, id uuid.UUID) ([]eventstore.Event, error)

	// ListMembersForExport returns up to limit members ordered by member number.
	ListMembersForExport(ctx context.Context, limit int) ([]*Member, error)
	// ActiveMemberIDs returns ids of members holding a record that is active
	// and unexpired at now, up to limit.
	ActiveMemberIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
}
