// Package policy decides who may do what to a custody record. It is a pure
// function over a closed role/operation table plus an ownership override, with
// no transport or storage dependencies, so it is testable in isolation.
package policy

// Role is the caller's role claim, produced by the authentication layer.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleVerifier Role = "verifier"
	RoleAuditor  Role = "auditor"
	RoleTourist  Role = "tourist"
)

// Operation enumerates everything a caller can request against a record.
type Operation string

const (
	// OpViewPlaintext is decrypting and returning the KYC payload.
	OpViewPlaintext Operation = "view_plaintext"
	// OpDecide is approving or rejecting a submission.
	OpDecide Operation = "decide"
	// OpGrantAccess is minting a grantee-wrapped copy of the data key.
	OpGrantAccess Operation = "grant_access"
	// OpRevokeAccess is retiring such a copy.
	OpRevokeAccess Operation = "revoke_access"
	// OpViewMetadata is reading non-sensitive record fields (state, timestamps).
	OpViewMetadata Operation = "view_metadata"
)

// Decision is the outcome of a policy evaluation.
type Decision bool

const (
	Allow Decision = true
	Deny  Decision = false
)

// roleTable is the closed decision table. Roles or operations not present are
// denied; the owner override in Decide is evaluated separately.
var roleTable = map[Role]map[Operation]Decision{
	RoleAdmin: {
		OpViewPlaintext: Allow,
		OpDecide:        Allow,
		OpGrantAccess:   Allow,
		OpRevokeAccess:  Allow,
		OpViewMetadata:  Allow,
	},
	RoleVerifier: {
		OpViewPlaintext: Allow,
		OpDecide:        Allow,
		OpGrantAccess:   Allow,
		OpRevokeAccess:  Allow,
		OpViewMetadata:  Allow,
	},
	RoleAuditor: {
		OpViewMetadata: Allow,
	},
}

// ownerOps are the operations the data subject may perform on their own record.
var ownerOps = map[Operation]Decision{
	OpViewPlaintext: Allow,
	OpViewMetadata:  Allow,
}

// Actor identifies the caller for an authorization decision.
type Actor struct {
	Role Role
	// Identity is the caller's opaque identity (token subject, public-key
	// fingerprint). Used by grant resolution, not by this table.
	Identity string
	// SubjectRef is the caller's normalized subject identifier (digits-only
	// phone), used for the ownership override.
	SubjectRef string
}

// Decide evaluates whether actor may perform op on the record identified by
// recordSubjectRef. Both subject refs must already be normalized.
func Decide(actor Actor, recordSubjectRef string, op Operation) Decision {
	if ops, ok := roleTable[actor.Role]; ok {
		if allowed, ok := ops[op]; ok && allowed == Allow {
			return Allow
		}
	}

	// Ownership override: the subject may see their own data, never decide on
	// it or manage grants.
	if actor.SubjectRef != "" && actor.SubjectRef == recordSubjectRef {
		if allowed, ok := ownerOps[op]; ok && allowed == Allow {
			return Allow
		}
	}

	return Deny
}
