package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID uuid.UUID
	Role   enums.Role
	Email  string
	Name   string
	JTI    string
}

// AccessTokenClaims represents the typed JWT issued to clients and to
// internal callers. Service tokens carry RoleService and the calling
// component in Subject.
type AccessTokenClaims struct {
	UserID uuid.UUID  `json:"user_id"`
	Role   enums.Role `json:"role"`
	Email  string     `json:"email,omitempty"`
	Name   string     `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// IsService reports whether the token was minted for service-to-service calls.
func (c *AccessTokenClaims) IsService() bool {
	return c != nil && c.Role == enums.RoleService
}
