// Package auth implements account signup and login.
//
// Passwords are stored as bcrypt hashes. Bearer tokens are random UUIDs,
// rotated on every successful login so a leaked token dies with the next
// sign-in.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mashworld/mash/internal/mash/actions"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/world"
)

// ErrInvalidCredentials is returned on any username/password mismatch. The
// same error covers unknown users so responses do not leak which usernames
// exist.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrUsernameTaken is returned when signing up an existing username.
var ErrUsernameTaken = errors.New("username already taken")

var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{2,31}$`)

const minPasswordLen = 8

// defaultPerception is the starting value of every look cap.
const defaultPerception = 20

// Service handles account operations.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates an auth service.
func New(s *store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger.With("component", "auth")}
}

// Signup creates an account with a fresh home node and returns the new
// agent, token included.
func (s *Service) Signup(ctx context.Context, username, password string) (*store.Agent, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("username must be 3-32 lowercase letters, digits, or underscores, starting with a letter")
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	if _, err := s.store.GetAgentByUsername(ctx, username); err == nil {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var agent *store.Agent
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		home, err := world.CreateHomeNode(ctx, tx, username)
		if err != nil {
			return fmt.Errorf("failed to create home node: %w", err)
		}
		agent = &store.Agent{
			ID:            uuid.NewString(),
			Username:      username,
			PasswordHash:  string(hash),
			Token:         uuid.NewString(),
			CurrentNodeID: sql.NullString{String: home.ID, Valid: true},
			HomeNodeID:    home.ID,
			AP:            actions.MaxAP,
			LookAgents:    defaultPerception,
			LookLinks:     defaultPerception,
			LookThings:    defaultPerception,
			SeeBroadcasts: true,
			LastActiveAt:  time.Now().UnixMilli(),
		}
		return tx.CreateAgent(ctx, agent)
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "agent signed up", "agent", agent.ID, "username", username)
	return agent, nil
}

// Login verifies the password and rotates the agent's token.
func (s *Service) Login(ctx context.Context, username, password string) (*store.Agent, error) {
	agent, err := s.store.GetAgentByUsername(ctx, username)
	if err != nil {
		// Burn comparable time so unknown usernames are not distinguishable
		// by latency.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$invalidinvalidinvalidinvalidinvalid"), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	token := uuid.NewString()
	if err := s.store.UpdateAgentToken(ctx, agent.ID, token); err != nil {
		return nil, fmt.Errorf("failed to rotate token: %w", err)
	}
	agent.Token = token

	s.logger.InfoContext(ctx, "agent logged in", "agent", agent.ID, "username", username)
	return agent, nil
}

// Authenticate resolves a bearer token to an agent, waking it from limbo at
// its home node and touching its activity timestamp.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.Agent, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}
	agent, err := s.store.GetAgentByToken(ctx, token)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !agent.CurrentNodeID.Valid {
		if err := s.store.SetAgentNode(ctx, agent.ID, agent.HomeNodeID); err != nil {
			return nil, fmt.Errorf("failed to wake agent: %w", err)
		}
		agent.CurrentNodeID = sql.NullString{String: agent.HomeNodeID, Valid: true}
	}
	if err := s.store.TouchAgent(ctx, agent.ID, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("failed to touch agent: %w", err)
	}
	return agent, nil
}
