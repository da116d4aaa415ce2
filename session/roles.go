package session

// roleDepartmentRule satisfies a department-qualified role requirement
// with a generic role scoped to a specific department.
type roleDepartmentRule struct {
	RoleSlug       string
	DepartmentCode string
}

// policyTable maps department-qualified requirements onto the
// role+department combinations that satisfy them. This is a narrow,
// deliberate policy exception carried over from production behaviour,
// not a rule engine; extend it by adding rows.
var policyTable = map[string][]roleDepartmentRule{
	"admin-warehouse":  {{RoleSlug: "admin", DepartmentCode: "WH"}},
	"admin-production": {{RoleSlug: "admin", DepartmentCode: "PR"}},
	"admin-inventory":  {{RoleSlug: "admin", DepartmentCode: "IV"}},
}

// HasRole reports whether the profile satisfies any of the required
// role slugs, either directly or through the policy table.
func HasRole(profile *UserProfile, required []string) bool {
	if profile == nil || profile.Role == nil || len(required) == 0 {
		return false
	}
	slug := profile.Role.Slug
	for _, want := range required {
		if slug == want {
			return true
		}
		for _, rule := range policyTable[want] {
			if slug != rule.RoleSlug {
				continue
			}
			if profile.Department != nil && profile.Department.Code == rule.DepartmentCode {
				return true
			}
		}
	}
	return false
}
