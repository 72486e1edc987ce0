package auth

import (
	"context"
	"fmt"
	"time"

	"glyphdb.dev/glyphdb/catalog"
	"glyphdb.dev/glyphdb/common"
	"glyphdb.dev/glyphdb/kvs"
)

// Service resolves credentials into a Session's Auth and enforces
// account policy (locking, password strength) around the catalog's User
// definitions (spec §4.9).
type Service struct {
	config  *Config
	store   *store
	tokens  *TokenService
}

func NewService(kv kvs.Store, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		config: config,
		store:  newStore(kv),
		tokens: NewTokenService(config.JWTSecret, config.JWTExpiration, config.RefreshTokenExpiration),
	}
}

func levelFor(ns, db string) Level {
	switch {
	case ns == "":
		return LevelRoot
	case db == "":
		return LevelNamespace
	default:
		return LevelDatabase
	}
}

func rolesOf(u catalog.User) []Role {
	roles := make([]Role, len(u.Roles))
	for i, r := range u.Roles {
		roles[i] = Role(r)
	}
	return roles
}

// Login authenticates (ns, db, username, password) and returns a token
// pair bound to the resulting Auth.
func (s *Service) Login(ctx context.Context, ns, db, username, password string) (*AuthResult, error) {
	u, err := s.store.getUser(ctx, ns, db, username)
	if err != nil {
		s.audit("login_failed", username, false, "user not found")
		return nil, ErrInvalidCredentials
	}
	if u.Locked {
		s.audit("login_failed", username, false, "account locked")
		return nil, ErrAccountLocked
	}
	if !u.Enabled {
		s.audit("login_failed", username, false, "account disabled")
		return nil, ErrAccountDisabled
	}
	if err := ValidatePassword(password, u.PassHash); err != nil {
		s.store.recordLoginAttempt(ctx, ns, db, username, false, s.config.MaxFailedAttempts)
		s.audit("login_failed", username, false, "invalid password")
		return nil, ErrInvalidCredentials
	}
	s.store.recordLoginAttempt(ctx, ns, db, username, true, s.config.MaxFailedAttempts)

	a := &Auth{Level: levelFor(ns, db), NS: ns, DB: db, Roles: rolesOf(u)}
	pair, err := s.tokens.GenerateTokenPair(username, a)
	if err != nil {
		return nil, fmt.Errorf("generate tokens: %w", err)
	}
	s.audit("login", username, true, "")
	return &AuthResult{Username: username, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, ExpiresAt: pair.ExpiresAt}, nil
}

// Authenticate validates a bearer token and returns a ready-to-use
// Session.
func (s *Service) Authenticate(token string) (*Session, error) {
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &Session{NS: claims.NS, DB: claims.DB, Auth: AuthFromClaims(claims)}, nil
}

// CreateUser defines a new user under (ns, db), enforcing password
// strength and hashing (spec §3.1 "User / Access definition").
func (s *Service) CreateUser(ctx context.Context, ns, db string, req CreateUserRequest) error {
	if err := ValidateUsername(req.Username); err != nil {
		return err
	}
	if err := CheckPasswordStrength(req.Password, s.config.PasswordRequireStrong); err != nil {
		return err
	}
	if _, err := s.store.getUser(ctx, ns, db, req.Username); err == nil {
		return ErrUserExists
	}
	hashed, err := HashPassword(req.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = []Role{s.config.DefaultRole}
	}
	roleNames := make([]string, len(roles))
	for i, r := range roles {
		roleNames[i] = string(r)
	}
	u := catalog.User{NS: ns, DB: db, Name: req.Username, PassHash: hashed, Roles: roleNames, Enabled: true}
	if err := s.store.createUser(ctx, u); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	s.audit("create_user", req.Username, true, "")
	return nil
}

// ChangePassword verifies currentPassword then sets a new password.
func (s *Service) ChangePassword(ctx context.Context, ns, db, username, currentPassword, newPassword string) error {
	u, err := s.store.getUser(ctx, ns, db, username)
	if err != nil {
		return err
	}
	if err := ValidatePassword(currentPassword, u.PassHash); err != nil {
		s.audit("change_password_failed", username, false, "invalid current password")
		return ErrInvalidCredentials
	}
	if err := CheckPasswordStrength(newPassword, s.config.PasswordRequireStrong); err != nil {
		return err
	}
	hashed, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PassHash = hashed
	if err := s.store.updateUser(ctx, u); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	s.audit("change_password", username, true, "")
	return nil
}

// DeleteUser removes a user definition.
func (s *Service) DeleteUser(ctx context.Context, ns, db, username string) error {
	if err := s.store.deleteUser(ctx, ns, db, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	s.audit("delete_user", username, true, "")
	return nil
}

func (s *Service) GetUser(ctx context.Context, ns, db, username string) (catalog.User, error) {
	return s.store.getUser(ctx, ns, db, username)
}

func (s *Service) ListUsers(ctx context.Context, ns, db string) ([]catalog.User, error) {
	return s.store.listUsers(ctx, ns, db)
}

func (s *Service) audit(action, username string, success bool, message string) {
	if !s.config.AuditEnabled {
		return
	}
	entry := common.NewContextLogger(common.Logger, map[string]interface{}{
		"action":   action,
		"username": username,
		"success":  success,
	}).WithField("time", time.Now().Format(time.RFC3339))
	if message != "" {
		entry = entry.WithField("detail", message)
	}
	if success {
		entry.Info("auth event")
	} else {
		entry.Warn("auth event")
	}
}
