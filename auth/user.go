package auth

import "time"

// CreateUserRequest describes a DEFINE USER statement's payload.
type CreateUserRequest struct {
	Username           string
	Password           string
	Roles              []Role
	MustChangePassword bool
}

// UpdateUserRequest describes a partial user update; nil fields are left
// unchanged.
type UpdateUserRequest struct {
	Password *string
	Roles    *[]Role
}

// AuthResult is returned by Service.Login.
type AuthResult struct {
	Username     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
