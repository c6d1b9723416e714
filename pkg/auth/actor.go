package auth

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// Actor is the authenticated caller as seen by the workflows. Token is the raw
// bearer credential so verification-path calls can forward it upstream.
type Actor struct {
	UserID uuid.UUID
	Role   enums.Role
	Email  string
	Name   string
	Token  string
}

// ActorFromClaims builds an Actor from parsed token claims.
func ActorFromClaims(claims *AccessTokenClaims, token string) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{
		UserID: claims.UserID,
		Role:   claims.Role,
		Email:  claims.Email,
		Name:   claims.Name,
		Token:  token,
	}
}

// Is reports whether the actor holds any of the given roles.
func (a Actor) Is(roles ...enums.Role) bool {
	for _, role := range roles {
		if a.Role == role {
			return true
		}
	}
	return false
}

// Authenticated reports whether the actor carries a usable identity.
func (a Actor) Authenticated() bool {
	if a.Role == enums.RoleService {
		return true
	}
	return a.UserID != uuid.Nil && a.Role.IsValid()
}
