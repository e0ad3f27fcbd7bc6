// internal/membership/policy_test.go
package membership

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

var (
	allOps    = []Operation{OpReadOne, OpReadMany, OpWriteFields, OpCreate, OpDelete}
	allFields = []Field{FieldName, FieldEmail, FieldPhone, FieldOrgID, FieldRegion, FieldAgentID, FieldMemberNo, FieldStatus, FieldExpiresAt, FieldYear}
)

func TestAuthorize_AgentWritesOutsideRegion(t *testing.T) {
	agent := agentIn("PRISHTINA")
	target := &Member{ID: uuid.New(), Region: "PEJA"}

	d := Authorize(agent, Request{Op: OpWriteFields, Target: target, Fields: []Field{FieldName}})
	assert.Equal(t, Decision{Reason: DenyRegionMismatch}, d)
}

func TestAuthorize_Table(t *testing.T) {
	admin := &Actor{UID: uuid.New(), Role: RoleAdmin}
	agent := agentIn("PEJA", "PRIZREN")
	own := &Member{ID: uuid.New(), Region: "PEJA"}
	member := memberActor(own)
	other := &Member{ID: uuid.New(), Region: "PEJA"}

	tests := []struct {
		name  string
		actor *Actor
		req   Request
		want  Decision
	}{
		{"unauthenticated read", nil, Request{Op: OpReadOne, Target: own}, deny(DenyUnauthenticated)},
		{"unknown role", &Actor{UID: uuid.New(), Role: "owner"}, Request{Op: OpReadOne, Target: own}, deny(DenyUnauthenticated)},

		{"admin reads", admin, Request{Op: OpReadOne, Target: own}, allow},
		{"admin lists", admin, Request{Op: OpReadMany}, allow},
		{"admin writes profile", admin, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldEmail, FieldRegion}}, allow},
		{"admin writes expiry", admin, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldName, FieldExpiresAt}}, deny(DenyFieldForbidden)},
		{"admin writes member number", admin, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldMemberNo}}, deny(DenyFieldForbidden)},
		{"admin deletes", admin, Request{Op: OpDelete, Target: own}, allow},

		{"agent reads in region", agent, Request{Op: OpReadOne, Target: own}, allow},
		{"agent lists own regions", agent, Request{Op: OpReadMany, Regions: []Region{"PRIZREN"}}, allow},
		{"agent lists unscoped", agent, Request{Op: OpReadMany}, allow},
		{"agent lists foreign region", agent, Request{Op: OpReadMany, Regions: []Region{"PEJA", "PRISHTINA"}}, deny(DenyRegionMismatch)},
		{"agent writes profile subset", agent, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldName, FieldPhone, FieldOrgID}}, allow},
		{"agent writes email", agent, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldEmail}}, deny(DenyFieldForbidden)},
		{"agent writes status", agent, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldStatus}}, deny(DenyFieldForbidden)},
		{"agent moves within assignment", agent, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldRegion}, NewRegion: "PRIZREN"}, allow},
		{"agent moves outside assignment", agent, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldRegion}, NewRegion: "GJILAN"}, deny(DenyRegionMismatch)},
		{"agent creates", agent, Request{Op: OpCreate}, deny(DenyRoleInsufficient)},
		{"agent deletes", agent, Request{Op: OpDelete, Target: own}, deny(DenyRoleInsufficient)},
		{"agent without assignment", &Actor{UID: uuid.New(), Role: RoleAgent}, Request{Op: OpReadMany}, deny(DenyRegionMismatch)},

		{"member reads self", member, Request{Op: OpReadOne, Target: own}, allow},
		{"member reads other", member, Request{Op: OpReadOne, Target: other}, deny(DenyNotOwner)},
		{"member lists", member, Request{Op: OpReadMany}, deny(DenyRoleInsufficient)},
		{"member writes self", member, Request{Op: OpWriteFields, Target: own, Fields: []Field{FieldPhone}}, deny(DenyRoleInsufficient)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Authorize(tt.actor, tt.req))
		})
	}
}

func TestAuthorize_AgentOutsideRegionDeniedEverything(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		regions := rapid.SliceOfNDistinct(rapid.SampledFrom(testRegions), 1, len(testRegions), rapid.ID[Region]).Draw(t, "assigned")
		agent := &Actor{UID: uuid.New(), Role: RoleAgent, AllowedRegions: regions[:len(regions)-1]}
		if len(agent.AllowedRegions) == 0 {
			agent.AllowedRegions = []Region{"GJILAN"}
		}
		// The last drawn region is never assigned.
		target := &Member{ID: uuid.New(), Region: regions[len(regions)-1]}

		req := Request{
			Op:        rapid.SampledFrom(allOps).Draw(t, "op"),
			Target:    target,
			Fields:    rapid.SliceOf(rapid.SampledFrom(allFields)).Draw(t, "fields"),
			NewRegion: rapid.SampledFrom(testRegions).Draw(t, "newRegion"),
		}
		if d := Authorize(agent, req); d.Allowed {
			t.Fatalf("agent %v allowed %s on %s member", agent.AllowedRegions, req.Op, target.Region)
		}
	})
}

func TestAuthorize_ServerOnlyFieldsNeverWritable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		role := rapid.SampledFrom([]Role{RoleAdmin, RoleAgent, RoleMember}).Draw(t, "role")
		actor := &Actor{UID: uuid.New(), Role: role, AllowedRegions: testRegions}
		target := &Member{ID: actor.UID, Region: rapid.SampledFrom(testRegions).Draw(t, "region")}

		fields := rapid.SliceOf(rapid.SampledFrom(allFields)).Draw(t, "fields")
		fields = append(fields, rapid.SampledFrom([]Field{FieldMemberNo, FieldStatus, FieldExpiresAt, FieldYear}).Draw(t, "serverOnly"))

		if d := Authorize(actor, Request{Op: OpWriteFields, Target: target, Fields: fields}); d.Allowed {
			t.Fatalf("%s allowed to write %v", role, fields)
		}
	})
}

func TestAuthorize_UnauthenticatedDeniedEverything(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		req := Request{
			Op:     rapid.SampledFrom(allOps).Draw(t, "op"),
			Target: &Member{ID: uuid.New(), Region: rapid.SampledFrom(testRegions).Draw(t, "region")},
			Fields: rapid.SliceOf(rapid.SampledFrom(allFields)).Draw(t, "fields"),
		}
		if d := Authorize(nil, req); d != deny(DenyUnauthenticated) {
			t.Fatalf("unauthenticated %s: got %+v", req.Op, d)
		}
	})
}

func TestAuthorizeRegistration(t *testing.T) {
	assert.Equal(t, allow, AuthorizeRegistration(&Actor{Role: RoleAdmin}, "PEJA"))
	assert.Equal(t, allow, AuthorizeRegistration(agentIn("PEJA"), "PEJA"))
	assert.Equal(t, deny(DenyRegionMismatch), AuthorizeRegistration(agentIn("PEJA"), "PRIZREN"))
	assert.Equal(t, deny(DenyRoleInsufficient), AuthorizeRegistration(&Actor{Role: RoleMember}, "PEJA"))
	assert.Equal(t, deny(DenyUnauthenticated), AuthorizeRegistration(nil, "PEJA"))
}

func TestAuthorizeLifecycle(t *testing.T) {
	target := &Member{Region: "PEJA"}
	assert.Equal(t, allow, AuthorizeLifecycle(&Actor{Role: RoleAdmin}, target))
	assert.Equal(t, allow, AuthorizeLifecycle(agentIn("PEJA"), target))
	assert.Equal(t, deny(DenyRegionMismatch), AuthorizeLifecycle(agentIn("GJILAN"), target))
	assert.Equal(t, deny(DenyRoleInsufficient), AuthorizeLifecycle(&Actor{Role: RoleMember}, target))
	assert.Equal(t, deny(DenyUnauthenticated), AuthorizeLifecycle(nil, target))
}

func TestScopeRegions(t *testing.T) {
	agent := agentIn("PEJA", "PRIZREN")
	assert.Equal(t, []Region{"PEJA", "PRIZREN"}, ScopeRegions(agent, nil))
	assert.Equal(t, []Region{"PEJA"}, ScopeRegions(agent, []Region{"PEJA"}))
	assert.Nil(t, ScopeRegions(&Actor{Role: RoleAdmin}, nil))
}

func TestDeniedKeepsReason(t *testing.T) {
	err := denied(deny(DenyFieldForbidden))
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, DenyFieldForbidden, err.Reason)

	assert.ErrorIs(t, denied(deny(DenyRegionMismatch)), ErrRegionMismatch)
	assert.ErrorIs(t, denied(deny(DenyUnauthenticated)), ErrUnauthenticated)
}
