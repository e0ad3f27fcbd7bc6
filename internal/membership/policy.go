// internal/membership/policy.go
package membership

// Operation is a kind of access to member records.
type Operation string

const (
	OpReadOne     Operation = "readOne"
	OpReadMany    Operation = "readMany"
	OpWriteFields Operation = "writeFields"
	OpCreate      Operation = "create"
	OpDelete      Operation = "delete"
)

// Field names a member field for write authorization.
type Field string

const (
	FieldName      Field = "name"
	FieldEmail     Field = "email"
	FieldPhone     Field = "phone"
	FieldOrgID     Field = "orgId"
	FieldRegion    Field = "region"
	FieldAgentID   Field = "agentId"
	FieldMemberNo  Field = "memberNo"
	FieldStatus    Field = "status"
	FieldExpiresAt Field = "expiresAt"
	FieldYear      Field = "year"
)

// serverOnly fields change only through the lifecycle operations.
var serverOnly = map[Field]bool{
	FieldMemberNo:  true,
	FieldStatus:    true,
	FieldExpiresAt: true,
	FieldYear:      true,
}

// agentWritable is the profile subset an in-region agent may write. Region is
// handled separately because the new value must also be in the assignment.
var agentWritable = map[Field]bool{
	FieldName:  true,
	FieldPhone: true,
	FieldOrgID: true,
}

// DenyReason says why a request was refused.
type DenyReason string

const (
	DenyUnauthenticated  DenyReason = "unauthenticated"
	DenyRegionMismatch   DenyReason = "region-mismatch"
	DenyRoleInsufficient DenyReason = "role-insufficient"
	DenyFieldForbidden   DenyReason = "field-forbidden"
	DenyNotOwner         DenyReason = "not-owner"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

var allow = Decision{Allowed: true}

func deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

// Request describes one access to be authorized.
type Request struct {
	Op     Operation
	Target *Member
	Fields []Field
	// Regions is the region filter of a readMany.
	Regions []Region
	// NewRegion is the requested value when Fields contains FieldRegion.
	NewRegion Region
}

// Authorize decides whether actor may perform req. A nil actor is an
// unauthenticated caller. Rules are evaluated in order and the first match wins.
func Authorize(actor *Actor, req Request) Decision {
	if actor == nil || !actor.Role.valid() {
		return deny(DenyUnauthenticated)
	}

	switch actor.Role {
	case RoleAdmin:
		return authorizeAdmin(req)
	case RoleAgent:
		return authorizeAgent(actor, req)
	default:
		return authorizeMember(actor, req)
	}
}

func authorizeAdmin(req Request) Decision {
	if req.Op == OpWriteFields {
		for _, f := range req.Fields {
			if serverOnly[f] {
				return deny(DenyFieldForbidden)
			}
		}
	}
	return allow
}

func authorizeAgent(actor *Actor, req Request) Decision {
	// An agent without an assignment can touch nothing.
	if len(actor.AllowedRegions) == 0 {
		return deny(DenyRegionMismatch)
	}
	if req.Target != nil && !actor.inRegion(req.Target.Region) {
		return deny(DenyRegionMismatch)
	}

	switch req.Op {
	case OpReadOne:
		if req.Target == nil {
			return deny(DenyRegionMismatch)
		}
		return allow
	case OpReadMany:
		for _, r := range req.Regions {
			if !actor.inRegion(r) {
				return deny(DenyRegionMismatch)
			}
		}
		return allow
	case OpWriteFields:
		if req.Target == nil {
			return deny(DenyRegionMismatch)
		}
		for _, f := range req.Fields {
			switch {
			case agentWritable[f]:
			case f == FieldRegion:
				if !actor.inRegion(req.NewRegion) {
					return deny(DenyRegionMismatch)
				}
			default:
				return deny(DenyFieldForbidden)
			}
		}
		return allow
	default:
		// create goes through Register; delete is admin only.
		return deny(DenyRoleInsufficient)
	}
}

func authorizeMember(actor *Actor, req Request) Decision {
	if req.Op != OpReadOne {
		return deny(DenyRoleInsufficient)
	}
	if req.Target == nil || req.Target.ID != actor.UID {
		return deny(DenyNotOwner)
	}
	return allow
}

// AuthorizeRegistration gates Register against the requested region.
func AuthorizeRegistration(actor *Actor, region Region) Decision {
	if actor == nil || !actor.Role.valid() {
		return deny(DenyUnauthenticated)
	}
	switch actor.Role {
	case RoleAdmin:
		return allow
	case RoleAgent:
		if !actor.inRegion(region) {
			return deny(DenyRegionMismatch)
		}
		return allow
	default:
		return deny(DenyRoleInsufficient)
	}
}

// AuthorizeLifecycle gates status transitions (activation, renewal) on target.
func AuthorizeLifecycle(actor *Actor, target *Member) Decision {
	if actor == nil || !actor.Role.valid() {
		return deny(DenyUnauthenticated)
	}
	switch actor.Role {
	case RoleAdmin:
		return allow
	case RoleAgent:
		if !actor.inRegion(target.Region) {
			return deny(DenyRegionMismatch)
		}
		return allow
	default:
		return deny(DenyRoleInsufficient)
	}
}

// AuthorizeAdmin allows only admins. It gates export, revocation and
// housekeeping operations.
func AuthorizeAdmin(actor *Actor) Decision {
	if actor == nil || !actor.Role.valid() {
		return deny(DenyUnauthenticated)
	}
	if actor.Role != RoleAdmin {
		return deny(DenyRoleInsufficient)
	}
	return allow
}

// ScopeRegions returns the effective region filter of an allowed readMany.
// Agents asking for no particular region get their whole assignment; nil means
// no restriction.
func ScopeRegions(actor *Actor, requested []Region) []Region {
	if actor.Role == RoleAgent && len(requested) == 0 {
		return append([]Region(nil), actor.AllowedRegions...)
	}
	return requested
}
