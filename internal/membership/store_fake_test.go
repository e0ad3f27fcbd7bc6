// internal/membership/store_fake_test.go
package membership

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"memberportal/internal/eventstore"
)

// fakeStore is an in-memory Store with the same atomicity and version rules
// as the Postgres store.
type fakeStore struct {
	mu       sync.Mutex
	members  map[uuid.UUID]*Member
	records  []Record
	accounts map[string]*Account
	events   map[uuid.UUID][]eventstore.Event
	seq      map[int]int64

	exportErr error
	activeErr error
	byNoErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:  make(map[uuid.UUID]*Member),
		accounts: make(map[string]*Account),
		events:   make(map[uuid.UUID][]eventstore.Event),
		seq:      make(map[int]int64),
	}
}

func cloneMember(m *Member) *Member {
	c := *m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	if m.AgentID != nil {
		id := *m.AgentID
		c.AgentID = &id
	}
	if m.Year != nil {
		y := *m.Year
		c.Year = &y
	}
	return &c
}

func (f *fakeStore) journal(id uuid.UUID, eventType string, data any, actorID uuid.UUID) {
	raw, _ := json.Marshal(data)
	f.events[id] = append(f.events[id], eventstore.Event{
		ID:          int64(len(f.events[id]) + 1),
		AggregateID: id,
		EventType:   eventType,
		EventData:   raw,
		Metadata:    actorMetadata(actorID),
		Version:     len(f.events[id]) + 1,
		CreatedAt:   time.Now().UTC(),
	})
}

func (f *fakeStore) NextMemberNo(_ context.Context, year int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[year]++
	return NextMemberNoFor(year, f.seq[year])
}

func (f *fakeStore) CreateMember(_ context.Context, m *Member, account *Account, actorID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.members {
		if existing.MemberNo == m.MemberNo {
			return wrapError(CodeConflict, "insert member: duplicate", nil)
		}
	}
	if account != nil {
		if _, ok := f.accounts[account.Email]; ok {
			return wrapError(CodeConflict, "insert account: duplicate", nil)
		}
	}

	now := time.Now().UTC()
	m.Version = 1
	m.CreatedAt, m.UpdatedAt = now, now
	f.members[m.ID] = cloneMember(m)
	if account != nil {
		a := *account
		f.accounts[a.Email] = &a
	}
	f.journal(m.ID, EventMemberRegistered, MemberRegisteredEvent{ID: m.ID, MemberNo: m.MemberNo, Name: m.Name, Region: m.Region}, actorID)
	return nil
}

func (f *fakeStore) GetMember(_ context.Context, id uuid.UUID) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMember(m), nil
}

func (f *fakeStore) GetMemberByNo(_ context.Context, memberNo string) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byNoErr != nil {
		return nil, f.byNoErr
	}
	for _, m := range f.members {
		if m.MemberNo == memberNo {
			return cloneMember(m), nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) sorted() []*Member {
	out := make([]*Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, cloneMember(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberNo < out[j].MemberNo })
	return out
}

func (f *fakeStore) ListMembers(_ context.Context, filter ListFilter) ([]*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inRegion := func(r Region) bool {
		if len(filter.Regions) == 0 {
			return true
		}
		for _, want := range filter.Regions {
			if want == r {
				return true
			}
		}
		return false
	}

	var out []*Member
	for _, m := range f.sorted() {
		if !inRegion(m.Region) || (filter.Status != "" && m.Status != filter.Status) || m.MemberNo <= filter.After {
			continue
		}
		out = append(out, m)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, change ProfileChange) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.members[change.Member.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != change.ExpectedVersion {
		return nil, ErrConflict
	}
	next := cloneMember(change.Member)
	next.MemberNo, next.ExpiresAt, next.Year, next.CreatedAt = cur.MemberNo, cur.ExpiresAt, cur.Year, cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()
	f.members[next.ID] = next
	f.journal(next.ID, EventProfileUpdated, ProfileUpdatedEvent{ID: next.ID, Fields: change.Fields}, change.ActorID)
	return cloneMember(next), nil
}

func (f *fakeStore) DeleteMember(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[id]; !ok {
		return ErrNotFound
	}
	delete(f.members, id)
	kept := f.records[:0]
	for _, r := range f.records {
		if r.MemberID != id {
			kept = append(kept, r)
		}
	}
	f.records = kept
	for email, a := range f.accounts {
		if a.ID == id {
			delete(f.accounts, email)
		}
	}
	return nil
}

func (f *fakeStore) Activate(_ context.Context, change ActivationChange) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.members[change.MemberID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != change.ExpectedVersion {
		return nil, ErrConflict
	}
	rec := change.Record
	rec.MemberID = change.MemberID
	exp, year := rec.ExpiresAt, rec.Year
	cur.Status = change.Status
	cur.ExpiresAt = &exp
	cur.Year = &year
	cur.Version++
	cur.UpdatedAt = time.Now().UTC()
	f.records = append(f.records, rec)
	f.journal(cur.ID, EventMembershipActivated, MembershipActivatedEvent{ID: cur.ID, RecordID: rec.ID, Year: rec.Year, ExpiresAt: rec.ExpiresAt, InvoiceID: rec.InvoiceID}, change.ActorID)
	return cloneMember(cur), nil
}

func (f *fakeStore) Revoke(_ context.Context, change RevocationChange) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.members[change.MemberID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != change.ExpectedVersion {
		return nil, ErrConflict
	}
	at := change.At
	cur.Status = StatusExpired
	cur.ExpiresAt = &at
	cur.Version++
	for i, r := range f.records {
		if r.MemberID == change.MemberID && r.Status == recordActive && r.ExpiresAt.After(at) {
			f.records[i].Status = recordRevoked
		}
	}
	f.journal(cur.ID, EventMembershipRevoked, MembershipRevokedEvent{ID: cur.ID, RevokedAt: at}, change.ActorID)
	return cloneMember(cur), nil
}

func (f *fakeStore) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.members {
		if m.Status == StatusActive && m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			m.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) History(_ context.Context, id uuid.UUID) ([]eventstore.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]eventstore.Event(nil), f.events[id]...), nil
}

func (f *fakeStore) ListMembersForExport(ctx context.Context, limit int) ([]*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	out := f.sorted()
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ActiveMemberIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, r := range f.records {
		if r.Status != recordActive || !r.ExpiresAt.After(now) || seen[r.MemberID] {
			continue
		}
		seen[r.MemberID] = true
		ids = append(ids, r.MemberID)
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (f *fakeStore) CreateAccount(_ context.Context, account *Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[account.Email]; ok {
		return wrapError(CodeConflict, "insert account: duplicate", nil)
	}
	account.CreatedAt = time.Now().UTC()
	a := *account
	f.accounts[a.Email] = &a
	return nil
}

func (f *fakeStore) GetAccountByEmail(_ context.Context, email string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[email]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// setStatus overwrites the cached status only, simulating a stale cache.
func (f *fakeStore) setStatus(id uuid.UUID, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[id].Status = status
}

func (f *fakeStore) recordCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.MemberID == id {
			n++
		}
	}
	return n
}
