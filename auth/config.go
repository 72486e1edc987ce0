package auth

import "time"

// Config represents authentication service configuration (spec §4.9 has
// no explicit config surface; these fields carry over the teacher's
// policy knobs — JWT, password strength, lockout, audit — onto the new
// Level/Role model).
type Config struct {
	JWTSecret              string
	JWTExpiration          time.Duration
	RefreshTokenEnabled    bool
	RefreshTokenExpiration time.Duration

	PasswordMinLength     int
	PasswordRequireStrong bool

	MaxFailedAttempts int
	LockoutDuration   time.Duration

	DefaultRole Role

	AuditEnabled bool
}

func DefaultConfig() *Config {
	return &Config{
		JWTExpiration:          24 * time.Hour,
		RefreshTokenEnabled:    true,
		RefreshTokenExpiration: 7 * 24 * time.Hour,
		PasswordMinLength:      8,
		PasswordRequireStrong:  false,
		MaxFailedAttempts:      5,
		LockoutDuration:        30 * time.Minute,
		DefaultRole:            RoleViewer,
		AuditEnabled:           true,
	}
}
