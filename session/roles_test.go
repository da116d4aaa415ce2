package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func profileWith(roleSlug, deptCode string) *UserProfile {
	p := &UserProfile{
		ID:   "u-1",
		Name: "Test User",
		Role: &Role{ID: "r-1", Name: roleSlug, Slug: roleSlug, Level: 50},
	}
	if deptCode != "" {
		p.Department = &Department{ID: "d-1", Name: deptCode, Code: deptCode}
	}
	return p
}

func TestHasRoleDirectSlugMatch(t *testing.T) {
	assert.True(t, HasRole(profileWith("operator", ""), []string{"operator", "viewer"}))
	assert.False(t, HasRole(profileWith("operator", ""), []string{"admin"}))
}

func TestHasRoleDepartmentOverride(t *testing.T) {
	// admin scoped to the warehouse department satisfies the
	// department-qualified requirement.
	assert.True(t, HasRole(profileWith("admin", "WH"), []string{"admin-warehouse"}))

	// The same role in any other department does not.
	assert.False(t, HasRole(profileWith("admin", "PR"), []string{"admin-warehouse"}))
	assert.False(t, HasRole(profileWith("admin", ""), []string{"admin-warehouse"}))

	// Nor does any other role inside the warehouse.
	assert.False(t, HasRole(profileWith("operator", "WH"), []string{"admin-warehouse"}))
	assert.False(t, HasRole(profileWith("superadmin", "IT"), []string{"admin-warehouse"}))
}

func TestHasRoleEdgeCases(t *testing.T) {
	assert.False(t, HasRole(nil, []string{"admin"}))
	assert.False(t, HasRole(&UserProfile{ID: "u-2"}, []string{"admin"}))
	assert.False(t, HasRole(profileWith("admin", "WH"), nil))
}
