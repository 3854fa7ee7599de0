// Package gate guards workspaces with a shared password and hands out access tokens.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"codepad/api/internal/auth"
	"codepad/api/internal/logging"
	"codepad/api/internal/metrics"
	"codepad/api/internal/store"
	"codepad/api/internal/util"
)

const (
	MinPasswordLength = 8
	MaxNameLength     = 120
)

var (
	ErrInvalidCredentials = errors.New("invalid workspace password")
	ErrUnauthorized       = errors.New("missing or revoked access token")
)

// InputError reports a malformed request.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string { return e.Field + ": " + e.Message }

// ThrottledError is returned when too many unlock attempts were made.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many unlock attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

// WorkspaceStore defines the storage interface for workspaces
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, workspace store.Workspace) (store.Workspace, error)
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
}

// SessionStore records issued tokens so they can be revoked.
type SessionStore interface {
	SaveAccessSession(ctx context.Context, jti, workspaceID string, expiresAt time.Time) error
	LookupAccessSession(ctx context.Context, jti string) (store.AccessSession, error)
	RevokeAccessSession(ctx context.Context, jti string) error
}

type Config struct {
	TokenSecret       string
	TokenTTL          time.Duration
	AttemptsPerMinute int
	// PasswordCost is the bcrypt cost; zero means bcrypt.DefaultCost.
	PasswordCost int
}

// Service creates workspaces and unlocks them.
type Service struct {
	workspaces WorkspaceStore
	sessions   SessionStore
	secret     []byte
	ttl        time.Duration
	limiter    *Limiter
	now        func() time.Time
	cost       int
}

func NewService(workspaces WorkspaceStore, sessions SessionStore, cfg Config) *Service {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	cost := cfg.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		workspaces: workspaces,
		sessions:   sessions,
		secret:     []byte(cfg.TokenSecret),
		ttl:        ttl,
		limiter:    NewLimiter(cfg.AttemptsPerMinute),
		now:        time.Now,
		cost:       cost,
	}
}

func (s *Service) Close() {
	s.limiter.Close()
}

// Grant is a freshly issued access token.
type Grant struct {
	Workspace store.Workspace `json:"workspace"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// CreateWorkspace stores a new workspace protected by password and unlocks it for the creator.
func (s *Service) CreateWorkspace(ctx context.Context, name, password string) (*Grant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &InputError{Field: "name", Message: "is required"}
	}
	if len([]rune(name)) > MaxNameLength {
		return nil, &InputError{Field: "name", Message: fmt.Sprintf("must be at most %d characters", MaxNameLength)}
	}
	if len(password) < MinPasswordLength {
		return nil, &InputError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	workspace, err := s.workspaces.CreateWorkspace(ctx, store.Workspace{
		ID:           util.NewID(),
		Name:         name,
		PasswordHash: string(hash),
	})
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	logging.WithContext(ctx).Info("workspace created", zap.String("workspace_id", workspace.ID))
	return s.issue(ctx, workspace)
}

// Unlock checks password for workspaceID. client identifies the caller for throttling.
func (s *Service) Unlock(ctx context.Context, workspaceID, password, client string) (*Grant, error) {
	logger := logging.WithContext(ctx).With(zap.String("workspace_id", workspaceID))
	if ok, wait := s.limiter.Allow(workspaceID + "|" + client); !ok {
		metrics.RecordUnlockAttempt("throttled")
		logger.Warn("unlock throttled", zap.String("client", client))
		return nil, &ThrottledError{RetryAfter: wait}
	}

	workspace, err := s.workspaces.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if store.IsNotFound(err) {
			metrics.RecordUnlockAttempt("failure")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(workspace.PasswordHash), []byte(password)); err != nil {
		metrics.RecordUnlockAttempt("failure")
		logger.Info("unlock rejected")
		return nil, ErrInvalidCredentials
	}

	metrics.RecordUnlockAttempt("success")
	return s.issue(ctx, workspace)
}

// Authenticate verifies a bearer token and that its session is still live.
func (s *Service) Authenticate(ctx context.Context, raw string) (auth.Claims, error) {
	if raw == "" {
		return auth.Claims{}, ErrUnauthorized
	}
	claims, err := auth.ParseToken(s.secret, raw)
	if err != nil {
		return auth.Claims{}, err
	}
	session, err := s.sessions.LookupAccessSession(ctx, claims.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return auth.Claims{}, ErrUnauthorized
		}
		return auth.Claims{}, fmt.Errorf("lookup session: %w", err)
	}
	if session.WorkspaceID != claims.WorkspaceID {
		return auth.Claims{}, ErrUnauthorized
	}
	return claims, nil
}

// Logout revokes the session behind raw. An already expired token is not an error.
func (s *Service) Logout(ctx context.Context, raw string) error {
	claims, err := auth.ParseToken(s.secret, raw)
	if errors.Is(err, auth.ErrExpiredToken) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.sessions.RevokeAccessSession(ctx, claims.ID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *Service) issue(ctx context.Context, workspace store.Workspace) (*Grant, error) {
	claims := auth.NewClaims(workspace.ID, util.NewToken("jti"), s.now(), s.ttl)
	token, err := auth.IssueToken(s.secret, claims)
	if err != nil {
		return nil, err
	}
	expiresAt := claims.ExpiresAt.Time
	if err := s.sessions.SaveAccessSession(ctx, claims.ID, workspace.ID, expiresAt); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	workspace.PasswordHash = ""
	return &Grant{Workspace: workspace, Token: token, ExpiresAt: expiresAt}, nil
}
