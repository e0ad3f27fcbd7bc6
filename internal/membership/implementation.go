// internal/membership/implementation.go
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"memberportal/internal/eventstore"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	Regions  []Region
	TokenTTL time.Duration
	// TokenNearExpiry is how long before expiry a card asks to be refreshed.
	TokenNearExpiry time.Duration
	ExportMaxRows   int
	ExportTimeout   time.Duration
	BulkMaxIDs      int
	Now             func() time.Time
	Logger          *slog.Logger
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// service implements the Service interface.
type service struct {
	store         Store
	tokens        *Tokens
	sessions      *Sessions
	dedup         Deduper
	regions       map[Region]bool
	tokenTTL      time.Duration
	nearExpiry    time.Duration
	exportMaxRows int
	exportTimeout time.Duration
	bulkMaxIDs    int
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics
}

// NewService creates a new membership service instance.
func NewService(store Store, tokens *Tokens, sessions *Sessions, dedup Deduper, opts Options) (Service, error) {
	if len(opts.Regions) == 0 {
		return nil, errors.New("at least one region is required")
	}
	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		return nil, err
	}

	s := &service{
		store:         store,
		tokens:        tokens,
		sessions:      sessions,
		dedup:         dedup,
		regions:       make(map[Region]bool, len(opts.Regions)),
		tokenTTL:      opts.TokenTTL,
		nearExpiry:    opts.TokenNearExpiry,
		exportMaxRows: opts.ExportMaxRows,
		exportTimeout: opts.ExportTimeout,
		bulkMaxIDs:    opts.BulkMaxIDs,
		now:           opts.Now,
		logger:        opts.Logger,
		metrics:       m,
	}
	for _, r := range opts.Regions {
		s.regions[normalizeRegion(r)] = true
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 365 * 24 * time.Hour
	}
	if s.nearExpiry <= 0 {
		s.nearExpiry = 7 * 24 * time.Hour
	}
	if s.exportMaxRows <= 0 {
		s.exportMaxRows = 50000
	}
	if s.exportTimeout <= 0 {
		s.exportTimeout = 30 * time.Second
	}
	if s.bulkMaxIDs <= 0 {
		s.bulkMaxIDs = 500
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Login checks an account's password and issues a bearer session.
func (s *service) Login(ctx context.Context, email, password string) (*Session, error) {
	account, err := s.store.GetAccountByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	ok, err := verifyPassword(password, account.Salt, account.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	actor := account.Actor()
	token, exp, err := s.sessions.Issue(actor)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: exp, Actor: actor}, nil
}

// CreateAccount lets an admin create agent, admin or member logins.
func (s *service) CreateAccount(ctx context.Context, actor *Actor, in NewAccount) (*Account, error) {
	if err := s.check(ctx, actor, "createAccount", AuthorizeAdmin(actor)); err != nil {
		return nil, err
	}

	email := normalizeEmail(in.Email)
	if !strings.Contains(email, "@") {
		return nil, newError(CodeMalformedInput, "invalid email %q", in.Email)
	}
	if !in.Role.valid() {
		return nil, newError(CodeMalformedInput, "invalid role %q", in.Role)
	}
	regions, err := s.normalizeRegions(in.AllowedRegions)
	if err != nil {
		return nil, err
	}
	if in.Role == RoleAgent && len(regions) == 0 {
		return nil, newError(CodeMalformedInput, "agent accounts need at least one region")
	}

	id := uuid.New()
	if in.Role == RoleMember {
		if in.MemberID == nil {
			return nil, newError(CodeMalformedInput, "member accounts need a memberId")
		}
		if _, err := s.store.GetMember(ctx, *in.MemberID); err != nil {
			return nil, err
		}
		id = *in.MemberID
	}

	hash, salt, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	account := &Account{
		ID:             id,
		Email:          email,
		Role:           in.Role,
		AllowedRegions: regions,
		PasswordHash:   hash,
		Salt:           salt,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "account created", "account", account.ID, "role", account.Role, "by", actor.UID)
	return account, nil
}

// EnsureAdmin creates the bootstrap admin account unless it already exists.
func (s *service) EnsureAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	_, err := s.store.GetAccountByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("look up bootstrap admin: %w", err)
	}

	hash, salt, err := hashPassword(password)
	if err != nil {
		return err
	}
	account := &Account{ID: uuid.New(), Email: email, Role: RoleAdmin, PasswordHash: hash, Salt: salt}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return fmt.Errorf("create bootstrap admin: %w", err)
	}
	s.logger.InfoContext(ctx, "bootstrap admin created", "account", account.ID)
	return nil
}

// Register creates a member with a fresh member number and no membership.
func (s *service) Register(ctx context.Context, actor *Actor, in NewMember) (*Member, error) {
	region := normalizeRegion(in.Region)
	if err := s.check(ctx, actor, "register", AuthorizeRegistration(actor, region)); err != nil {
		return nil, err
	}
	if !s.regions[region] {
		return nil, newError(CodeMalformedInput, "unknown region %q", in.Region)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, newError(CodeMalformedInput, "name is required")
	}
	email := normalizeEmail(in.Email)

	var account *Account
	if in.Password != "" {
		if email == "" {
			return nil, newError(CodeMalformedInput, "email is required for a member login")
		}
		hash, salt, err := hashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		account = &Account{Email: email, Role: RoleMember, PasswordHash: hash, Salt: salt}
	}

	now := s.now().UTC()
	memberNo, err := s.store.NextMemberNo(ctx, now.Year())
	if err != nil {
		return nil, err
	}

	m := &Member{
		ID:       uuid.New(),
		MemberNo: memberNo,
		Name:     name,
		Email:    email,
		Phone:    strings.TrimSpace(in.Phone),
		OrgID:    strings.TrimSpace(in.OrgID),
		Region:   region,
		Status:   StatusNone,
	}
	if actor.Role == RoleAgent {
		agentID := actor.UID
		m.AgentID = &agentID
	}
	if account != nil {
		account.ID = m.ID
	}

	if err := s.store.CreateMember(ctx, m, account, actor.UID); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "member registered", "member", m.ID, "memberNo", m.MemberNo, "region", m.Region, "by", actor.UID)
	return m, nil
}

// Activate starts or renews a membership for period and mints a new token.
// Retrying the same (member, period) inside the dedup window replays the
// first outcome.
func (s *service) Activate(ctx context.Context, actor *Actor, memberID uuid.UUID, period Period) (*Activation, error) {
	if actor == nil {
		return nil, s.deny(ctx, nil, "activate", deny(DenyUnauthenticated))
	}
	if !period.valid() {
		return nil, newError(CodeMalformedInput, "period must be between 1 and 60 months")
	}

	// The member must exist and be in scope before anything is written.
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, actor, "activate", AuthorizeLifecycle(actor, m)); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("activate:%s:%d", memberID, period.Months)
	// A replay is only faithful while the member is still the one it produced.
	unchanged := func(prior *Activation) bool {
		return prior.Member != nil && prior.Member.Version == m.Version
	}
	return s.once(ctx, key, unchanged, func() (*Activation, error) {
		return s.activate(ctx, actor, m, period, "")
	})
}

// BulkRenew activates each id independently and reports which ones failed.
func (s *service) BulkRenew(ctx context.Context, actor *Actor, ids []uuid.UUID, period Period) (*BulkResult, error) {
	if actor == nil {
		return nil, s.deny(ctx, nil, "bulkRenew", deny(DenyUnauthenticated))
	}
	if len(ids) == 0 {
		return nil, newError(CodeMalformedInput, "ids are required")
	}
	if len(ids) > s.bulkMaxIDs {
		return nil, newError(CodeMalformedInput, "at most %d ids per batch", s.bulkMaxIDs)
	}
	if !period.valid() {
		return nil, newError(CodeMalformedInput, "period must be between 1 and 60 months")
	}

	result := &BulkResult{Succeeded: []uuid.UUID{}, Failed: []BulkFailure{}}
	for _, id := range ids {
		if _, err := s.Activate(ctx, actor, id, period); err != nil {
			code := CodeOf(err)
			if code == "" {
				s.logger.ErrorContext(ctx, "bulk renew failed", "member", id, "error", err)
				code = CodeUpstreamUnavailable
			}
			result.Failed = append(result.Failed, BulkFailure{ID: id, Reason: code})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result, nil
}

// Revoke ends a member's current membership now. Tokens already issued stay
// valid until their own expiry.
func (s *service) Revoke(ctx context.Context, actor *Actor, memberID uuid.UUID) (*Member, error) {
	if err := s.check(ctx, actor, "revoke", AuthorizeAdmin(actor)); err != nil {
		return nil, err
	}
	m, err := s.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if !EvaluateStatus(m, now).Active() {
		return nil, ErrNotActive
	}
	updated, err := s.store.Revoke(ctx, RevocationChange{
		MemberID:        m.ID,
		ExpectedVersion: m.Version,
		At:              now,
		ActorID:         actor.UID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "membership revoked", "member", m.ID, "memberNo", m.MemberNo, "by", actor.UID)
	return updated, nil
}

// InvoicePaid activates a member on behalf of the payment collaborator. The
// invoice id is the idempotency key.
func (s *service) InvoicePaid(ctx context.Context, actor *Actor, in InvoicePaid) (*Activation, error) {
	if err := s.check(ctx, actor, "invoicePaid", AuthorizeAdmin(actor)); err != nil {
		return nil, err
	}
	invoiceID := strings.TrimSpace(in.InvoiceID)
	if invoiceID == "" {
		return nil, newError(CodeMalformedInput, "invoiceId is required")
	}
	if !in.Period.valid() {
		return nil, newError(CodeMalformedInput, "period must be between 1 and 60 months")
	}

	m, err := s.store.GetMember(ctx, in.MemberID)
	if err != nil {
		return nil, err
	}
	return s.once(ctx, "invoice:"+invoiceID, nil, func() (*Activation, error) {
		return s.activate(ctx, actor, m, in.Period, invoiceID)
	})
}

// RefreshStatuses rewrites cached statuses that time has made stale.
func (s *service) RefreshStatuses(ctx context.Context, actor *Actor) (int64, error) {
	if err := s.check(ctx, actor, "refreshStatuses", AuthorizeAdmin(actor)); err != nil {
		return 0, err
	}
	n, err := s.store.MarkExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "statuses refreshed", "expired", n)
	return n, nil
}

func (s *service) GetMember(ctx context.Context, actor *Actor, id uuid.UUID) (*Member, error) {
	return s.readable(ctx, actor, "get", id)
}

func (s *service) ListMembers(ctx context.Context, actor *Actor, filter ListFilter) ([]*Member, error) {
	if actor == nil {
		return nil, s.deny(ctx, nil, "list", deny(DenyUnauthenticated))
	}
	regions, err := s.normalizeRegions(filter.Regions)
	if err != nil {
		return nil, err
	}
	filter.Regions = regions
	if err := s.check(ctx, actor, "list", Authorize(actor, Request{Op: OpReadMany, Regions: filter.Regions})); err != nil {
		return nil, err
	}

	switch filter.Status {
	case "", StatusActive, StatusExpired, StatusNone:
	default:
		return nil, newError(CodeMalformedInput, "invalid status %q", filter.Status)
	}
	filter.Limit = listLimit(filter.Limit)
	filter.Regions = ScopeRegions(actor, filter.Regions)

	return s.store.ListMembers(ctx, filter)
}

func (s *service) UpdateMember(ctx context.Context, actor *Actor, id uuid.UUID, patch MemberPatch) (*Member, error) {
	if actor == nil {
		return nil, s.deny(ctx, nil, "update", deny(DenyUnauthenticated))
	}
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil, newError(CodeMalformedInput, "no fields to update")
	}

	m, err := s.store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	req := Request{Op: OpWriteFields, Target: m, Fields: fields}
	if patch.Region != nil {
		r := normalizeRegion(*patch.Region)
		patch.Region = &r
		req.NewRegion = r
	}
	if err := s.check(ctx, actor, "update", Authorize(actor, req)); err != nil {
		return nil, err
	}
	if patch.Version != 0 && patch.Version != m.Version {
		return nil, ErrConflict
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, newError(CodeMalformedInput, "name is required")
		}
		m.Name = name
	}
	if patch.Email != nil {
		m.Email = normalizeEmail(*patch.Email)
	}
	if patch.Phone != nil {
		m.Phone = strings.TrimSpace(*patch.Phone)
	}
	if patch.OrgID != nil {
		m.OrgID = strings.TrimSpace(*patch.OrgID)
	}
	if patch.Region != nil {
		if !s.regions[*patch.Region] {
			return nil, newError(CodeMalformedInput, "unknown region %q", *patch.Region)
		}
		m.Region = *patch.Region
	}
	if patch.AgentID != nil {
		agentID := *patch.AgentID
		m.AgentID = &agentID
	}
	// Any write touching the record also corrects its cached status.
	m.Status = DeriveStatus(m.ExpiresAt, s.now())

	return s.store.UpdateProfile(ctx, ProfileChange{
		Member:          m,
		ExpectedVersion: m.Version,
		Fields:          fields,
		ActorID:         actor.UID,
	})
}

func (s *service) DeleteMember(ctx context.Context, actor *Actor, id uuid.UUID) error {
	if actor == nil {
		return s.deny(ctx, nil, "delete", deny(DenyUnauthenticated))
	}
	m, err := s.store.GetMember(ctx, id)
	if err != nil {
		return err
	}
	if err := s.check(ctx, actor, "delete", Authorize(actor, Request{Op: OpDelete, Target: m})); err != nil {
		return err
	}
	if err := s.store.DeleteMember(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "member deleted", "member", id, "memberNo", m.MemberNo, "by", actor.UID)
	return nil
}

// MemberCard re-mints the offline token of a currently active member.
func (s *service) MemberCard(ctx context.Context, actor *Actor, id uuid.UUID) (*MembershipToken, error) {
	m, err := s.readable(ctx, actor, "card", id)
	if err != nil {
		return nil, err
	}
	if !EvaluateStatus(m, s.now()).Active() {
		return nil, ErrNotActive
	}
	tok, err := s.tokens.IssueUntil(m.MemberNo, s.tokenTTL, *m.ExpiresAt)
	if err != nil {
		return nil, err
	}
	tok.RefreshAt = tok.ExpiresAt.Add(-s.nearExpiry)
	return &tok, nil
}

// History returns the lifecycle journal of a member, including deleted ones.
func (s *service) History(ctx context.Context, actor *Actor, id uuid.UUID) ([]eventstore.Event, error) {
	if err := s.check(ctx, actor, "history", AuthorizeAdmin(actor)); err != nil {
		return nil, err
	}
	events, err := s.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

func (s *service) activate(ctx context.Context, actor *Actor, m *Member, period Period, invoiceID string) (*Activation, error) {
	now := s.now().UTC()
	expiresAt := period.After(now)
	live := EvaluateStatus(m, now)
	if live.Active() && !m.ExpiresAt.Before(expiresAt) {
		s.metrics.activated(ctx, "already-active")
		return nil, newError(CodeAlreadyActive, "membership %s already runs until %s", m.MemberNo, m.ExpiresAt.Format(time.RFC3339))
	}

	rec := Record{
		ID:        uuid.New(),
		MemberID:  m.ID,
		Year:      now.Year(),
		Status:    recordActive,
		StartsAt:  now,
		ExpiresAt: expiresAt,
		InvoiceID: invoiceID,
	}
	updated, err := s.store.Activate(ctx, ActivationChange{
		MemberID:        m.ID,
		ExpectedVersion: m.Version,
		Record:          rec,
		Status:          DeriveStatus(&expiresAt, now),
		ActorID:         actor.UID,
	})
	if err != nil {
		s.metrics.activated(ctx, "failed")
		return nil, err
	}

	// The token never outlives the membership it attests to.
	tok, err := s.tokens.IssueUntil(updated.MemberNo, s.tokenTTL, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue membership token: %w", err)
	}
	tok.RefreshAt = tok.ExpiresAt.Add(-s.nearExpiry)

	s.metrics.activated(ctx, "activated")
	s.logger.InfoContext(ctx, "membership activated",
		"member", m.ID,
		"memberNo", updated.MemberNo,
		"expiresAt", expiresAt,
		"invoice", invoiceID,
		"by", actor.UID,
	)
	return &Activation{Member: updated, Token: tok}, nil
}

// once runs fn at most once per key inside the dedup window. A completed
// outcome is replayed unless replay rejects it, in which case fn runs again
// and its outcome replaces the stored one. A nil replay always replays.
func (s *service) once(ctx context.Context, key string, replay func(*Activation) bool, fn func() (*Activation, error)) (*Activation, error) {
	prior, claimed, err := s.dedup.Claim(ctx, key)
	if err != nil {
		return nil, wrapError(CodeUpstreamUnavailable, "dedup window unavailable", err)
	}
	if !claimed {
		if prior == nil {
			return nil, newError(CodeConflict, "activation already in progress")
		}
		var a Activation
		if err := json.Unmarshal(prior, &a); err != nil {
			return nil, fmt.Errorf("decode replayed activation: %w", err)
		}
		if replay == nil || replay(&a) {
			s.metrics.activated(ctx, "replayed")
			return &a, nil
		}
	}

	a, err := fn()
	if err != nil {
		if rerr := s.dedup.Release(ctx, key); rerr != nil {
			s.logger.WarnContext(ctx, "release dedup key", "key", key, "error", rerr)
		}
		return nil, err
	}

	raw, err := json.Marshal(a)
	if err == nil {
		err = s.dedup.Complete(ctx, key, raw)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "complete dedup key", "key", key, "error", err)
	}
	return a, nil
}

// readable loads id and checks the actor may read it.
func (s *service) readable(ctx context.Context, actor *Actor, op string, id uuid.UUID) (*Member, error) {
	if actor == nil {
		return nil, s.deny(ctx, nil, op, deny(DenyUnauthenticated))
	}
	// Members learn nothing about records other than their own.
	if actor.Role == RoleMember && actor.UID != id {
		return nil, s.deny(ctx, actor, op, deny(DenyNotOwner))
	}
	m, err := s.store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.check(ctx, actor, op, Authorize(actor, Request{Op: OpReadOne, Target: m})); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *service) check(ctx context.Context, actor *Actor, op string, d Decision) error {
	if d.Allowed {
		return nil
	}
	return s.deny(ctx, actor, op, d)
}

// deny audits a refused request and converts it to an error.
func (s *service) deny(ctx context.Context, actor *Actor, op string, d Decision) error {
	s.metrics.denied(ctx, op, d.Reason)
	attrs := []any{"op", op, "reason", string(d.Reason)}
	if actor != nil {
		attrs = append(attrs, "actor", actor.UID, "role", string(actor.Role))
	}
	s.logger.WarnContext(ctx, "policy denied", attrs...)
	return denied(d)
}

func (s *service) normalizeRegions(in []Region) ([]Region, error) {
	out := make([]Region, 0, len(in))
	for _, r := range in {
		r = normalizeRegion(r)
		if !s.regions[r] {
			return nil, newError(CodeMalformedInput, "unknown region %q", r)
		}
		out = append(out, r)
	}
	return out, nil
}

func normalizeRegion(r Region) Region {
	return Region(strings.ToUpper(strings.TrimSpace(string(r))))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// listLimit is the page size ListMembers applies for a requested limit.
func listLimit(requested int) int {
	switch {
	case requested <= 0:
		return defaultListLimit
	case requested > maxListLimit:
		return maxListLimit
	default:
		return requested
	}
}
