package types

import (
	"database/sql/driver"
	"strings"
)

// Address is a postal address stored as jsonb.
type Address struct {
	Line1      string  `json:"line1" validate:"required"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city" validate:"required"`
	State      string  `json:"state"`
	PostalCode string  `json:"postal_code" validate:"required"`
	Country    string  `json:"country"`
}

func (a Address) Value() (driver.Value, error) {
	if strings.TrimSpace(a.Country) == "" {
		a.Country = "US"
	}
	return jsonValue(a)
}

func (a *Address) Scan(value any) error {
	return jsonScan(value, a, "address")
}

// String renders the address on a single line.
func (a Address) String() string {
	parts := []string{a.Line1}
	if a.Line2 != nil && strings.TrimSpace(*a.Line2) != "" {
		parts = append(parts, *a.Line2)
	}
	parts = append(parts, a.City)
	if a.State != "" {
		parts = append(parts, a.State)
	}
	parts = append(parts, a.PostalCode)
	return strings.Join(parts, ", ")
}
