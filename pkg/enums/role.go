package enums

import "fmt"

// Role is the capability attached to an authenticated actor.
type Role string

const (
	RoleCustomer        Role = "customer"
	RoleRestaurantAdmin Role = "restaurant_admin"
	RoleDeliveryPerson  Role = "delivery_person"
	RoleAdmin           Role = "admin"
	RoleService         Role = "service"
)

var validRoles = []Role{
	RoleCustomer,
	RoleRestaurantAdmin,
	RoleDeliveryPerson,
	RoleAdmin,
	RoleService,
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return string(r)
}

// IsValid reports whether the value is a known Role.
func (r Role) IsValid() bool {
	for _, candidate := range validRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRole converts raw input into a Role.
func ParseRole(value string) (Role, error) {
	for _, candidate := range validRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid role %q", value)
}
