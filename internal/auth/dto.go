package auth

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/grubhaul-backend/internal/users"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
)

// LoginRequest captures the user credentials sent to the login endpoint.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest creates a customer, restaurant admin or delivery person.
type RegisterRequest struct {
	FirstName string     `json:"first_name" validate:"required,max=100"`
	LastName  string     `json:"last_name" validate:"required,max=100"`
	Email     string     `json:"email" validate:"required,email"`
	Password  string     `json:"password" validate:"required,min=8,max=128"`
	Phone     *string    `json:"phone,omitempty" validate:"omitempty,e164"`
	Role      enums.Role `json:"role" validate:"required,oneof=customer restaurant_admin delivery_person"`
}

// RefreshRequest carries the refresh token paired with the presented access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LoginResponse contains the token pair and the user it was issued for.
type LoginResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresIn    int            `json:"expires_in"`
	User         *users.UserDTO `json:"user"`
}

// MeResponse is what other components read back when validating a credential.
type MeResponse struct {
	UserID uuid.UUID  `json:"user_id"`
	Role   enums.Role `json:"role"`
	Email  string     `json:"email,omitempty"`
	Name   string     `json:"name,omitempty"`
}
