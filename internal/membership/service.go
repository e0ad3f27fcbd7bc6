// internal/membership/service.go
package membership

import (
	"context"
	"time"

	"github.com/google/uuid"

	"memberportal/internal/eventstore"
)

// Service defines the interface for the membership service.
type Service interface {
	Login(ctx context.Context, email, password string) (*Session, error)
	CreateAccount(ctx context.Context, actor *Actor, in NewAccount) (*Account, error)
	EnsureAdmin(ctx context.Context, email, password string) error

	Register(ctx context.Context, actor *Actor, in NewMember) (*Member, error)
	Activate(ctx context.Context, actor *Actor, memberID uuid.UUID, period Period) (*Activation, error)
	BulkRenew(ctx context.Context, actor *Actor, ids []uuid.UUID, period Period) (*BulkResult, error)
	Revoke(ctx context.Context, actor *Actor, memberID uuid.UUID) (*Member, error)
	InvoicePaid(ctx context.Context, actor *Actor, in InvoicePaid) (*Activation, error)
	RefreshStatuses(ctx context.Context, actor *Actor) (int64, error)

	GetMember(ctx context.Context, actor *Actor, id uuid.UUID) (*Member, error)
	ListMembers(ctx context.Context, actor *Actor, filter ListFilter) ([]*Member, error)
	UpdateMember(ctx context.Context, actor *Actor, id uuid.UUID, patch MemberPatch) (*Member, error)
	DeleteMember(ctx context.Context, actor *Actor, id uuid.UUID) error
	MemberCard(ctx context.Context, actor *Actor, id uuid.UUID) (*MembershipToken, error)
	History(ctx context.Context, actor *Actor, id uuid.UUID) ([]eventstore.Event, error)

	Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error)
	Export(ctx context.Context, actor *Actor) ([]ExportRow, error)
}

// NewMember is the input of Register. A non-empty Password also creates the
// member's own login account.
type NewMember struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	OrgID    string `json:"orgId"`
	Region   Region `json:"region"`
	Password string `json:"password,omitempty"`
}

// NewAccount is the input of CreateAccount. MemberID is required for member
// accounts and becomes the account id.
type NewAccount struct {
	Email          string     `json:"email"`
	Password       string     `json:"password"`
	Role           Role       `json:"role"`
	AllowedRegions []Region   `json:"allowedRegions,omitempty"`
	MemberID       *uuid.UUID `json:"memberId,omitempty"`
}

// Session is a signed bearer credential returned by Login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Actor     *Actor    `json:"actor"`
}

// Activation is the outcome of an activation or renewal.
type Activation struct {
	Member *Member         `json:"member"`
	Token  MembershipToken `json:"token"`
}

// BulkFailure is one id BulkRenew could not renew.
type BulkFailure struct {
	ID     uuid.UUID `json:"id"`
	Reason Code      `json:"reason"`
}

// BulkResult reports per-id outcomes of BulkRenew.
type BulkResult struct {
	Succeeded []uuid.UUID   `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// InvoicePaid is the payment collaborator's notice that a member paid.
type InvoicePaid struct {
	InvoiceID string    `json:"invoiceId"`
	MemberID  uuid.UUID `json:"memberId"`
	Period    Period    `json:"period"`
}

// MemberPatch is a field write. Nil fields are left untouched. Version, when
// set, must match the stored version.
type MemberPatch struct {
	Name      *string    `json:"name,omitempty"`
	Email     *string    `json:"email,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
	OrgID     *string    `json:"orgId,omitempty"`
	Region    *Region    `json:"region,omitempty"`
	AgentID   *uuid.UUID `json:"agentId,omitempty"`
	MemberNo  *string    `json:"memberNo,omitempty"`
	Status    *Status    `json:"status,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Year      *int       `json:"year,omitempty"`
	Version   int        `json:"version,omitempty"`
}

// Fields lists the fields the patch writes.
func (p MemberPatch) Fields() []Field {
	var fields []Field
	add := func(set bool, f Field) {
		if set {
			fields = append(fields, f)
		}
	}
	add(p.Name != nil, FieldName)
	add(p.Email != nil, FieldEmail)
	add(p.Phone != nil, FieldPhone)
	add(p.OrgID != nil, FieldOrgID)
	add(p.Region != nil, FieldRegion)
	add(p.AgentID != nil, FieldAgentID)
	add(p.MemberNo != nil, FieldMemberNo)
	add(p.Status != nil, FieldStatus)
	add(p.ExpiresAt != nil, FieldExpiresAt)
	add(p.Year != nil, FieldYear)
	return fields
}

// VerifyInput carries exactly one of MemberNo or Token.
type VerifyInput struct {
	MemberNo string
	Token    string
}

// VerifyResult is the public verification answer. It never carries internal
// ids or contact fields.
type VerifyResult struct {
	OK       bool        `json:"ok"`
	Valid    bool        `json:"valid"`
	MemberNo string      `json:"memberNo,omitempty"`
	Name     string      `json:"name,omitempty"`
	Region   Region      `json:"region,omitempty"`
	Reason   TokenReason `json:"reason,omitempty"`
}
