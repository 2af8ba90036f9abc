package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecideRoleTable(t *testing.T) {
	allOps := []Operation{OpViewPlaintext, OpDecide, OpGrantAccess, OpRevokeAccess, OpViewMetadata}

	tests := []struct {
		role    Role
		allowed map[Operation]bool
	}{
		{
			role: RoleAdmin,
			allowed: map[Operation]bool{
				OpViewPlaintext: true, OpDecide: true, OpGrantAccess: true,
				OpRevokeAccess: true, OpViewMetadata: true,
			},
		},
		{
			role: RoleVerifier,
			allowed: map[Operation]bool{
				OpViewPlaintext: true, OpDecide: true, OpGrantAccess: true,
				OpRevokeAccess: true, OpViewMetadata: true,
			},
		},
		{
			role:    RoleAuditor,
			allowed: map[Operation]bool{OpViewMetadata: true},
		},
		{
			role:    RoleTourist,
			allowed: map[Operation]bool{},
		},
		{
			role:    Role("intruder"),
			allowed: map[Operation]bool{},
		},
	}

	for _, tt := range tests {
		actor := Actor{Role: tt.role, SubjectRef: "15550001111"}
		for _, op := range allOps {
			t.Run(fmt.Sprintf("%s/%s", tt.role, op), func(t *testing.T) {
				want := Deny
				if tt.allowed[op] {
					want = Allow
				}
				assert.Equal(t, want, Decide(actor, "919876543210", op))
			})
		}
	}
}

func TestDecideOwnerOverride(t *testing.T) {
	owner := Actor{Role: RoleTourist, SubjectRef: "919876543210"}

	assert.Equal(t, Allow, Decide(owner, "919876543210", OpViewPlaintext))
	assert.Equal(t, Allow, Decide(owner, "919876543210", OpViewMetadata))

	// Ownership never extends to review or grant management.
	assert.Equal(t, Deny, Decide(owner, "919876543210", OpDecide))
	assert.Equal(t, Deny, Decide(owner, "919876543210", OpGrantAccess))
	assert.Equal(t, Deny, Decide(owner, "919876543210", OpRevokeAccess))
}

func TestDecideOwnerOverrideRequiresMatch(t *testing.T) {
	other := Actor{Role: RoleTourist, SubjectRef: "15550001111"}
	assert.Equal(t, Deny, Decide(other, "919876543210", OpViewPlaintext))

	// An empty subject ref never matches, even against an empty record ref.
	anonymous := Actor{Role: RoleTourist}
	assert.Equal(t, Deny, Decide(anonymous, "", OpViewPlaintext))
}

func TestDecideUnknownOperation(t *testing.T) {
	admin := Actor{Role: RoleAdmin}
	assert.Equal(t, Deny, Decide(admin, "919876543210", Operation("export_all")))
}
