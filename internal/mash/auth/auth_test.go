package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/mashworld/mash/internal/mash/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mash-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return New(s, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func TestSignup_CreatesHomeWithSystemInstances(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	agent, err := svc.Signup(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if agent.Token == "" || agent.ID == "" {
		t.Error("signup must mint an id and a token")
	}
	if agent.HomeNodeID == "" || agent.CurrentNodeID.String != agent.HomeNodeID {
		t.Errorf("agent should start at home, got current=%v home=%s", agent.CurrentNodeID, agent.HomeNodeID)
	}
	if agent.PasswordHash == "secret123" {
		t.Error("password must not be stored in the clear")
	}

	contents, err := s.InstancesIn(ctx, store.ContainerInstance, agent.HomeNodeID)
	if err != nil {
		t.Fatalf("InstancesIn: %v", err)
	}
	var kinds []string
	for _, inst := range contents {
		kinds = append(kinds, inst.SystemType)
	}
	if len(contents) != 2 {
		t.Fatalf("home should hold the portal and the directory, got %v", kinds)
	}
}

func TestSignup_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Signup(ctx, "Alice", "secret123"); err == nil {
		t.Error("uppercase username must be rejected")
	}
	if _, err := svc.Signup(ctx, "al", "secret123"); err == nil {
		t.Error("too-short username must be rejected")
	}
	if _, err := svc.Signup(ctx, "alice", "short"); err == nil {
		t.Error("too-short password must be rejected")
	}

	if _, err := svc.Signup(ctx, "alice", "secret123"); err != nil {
		t.Fatalf("Signup: %v", err)
	}
	if _, err := svc.Signup(ctx, "alice", "secret123"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("duplicate signup: got %v, want ErrUsernameTaken", err)
	}
}

func TestLogin_RotatesToken(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	created, err := svc.Signup(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}

	logged, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if logged.Token == created.Token {
		t.Error("login must rotate the token")
	}

	// The old token no longer authenticates.
	if _, err := s.GetAgentByToken(ctx, created.Token); err == nil {
		t.Error("old token should be dead")
	}
	if _, err := svc.Authenticate(ctx, logged.Token); err != nil {
		t.Errorf("new token should authenticate: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "wrongpass1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("bad password: got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticate_WakesFromLimbo(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	agent, err := svc.Signup(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	s.SetAgentNode(ctx, agent.ID, "")

	woken, err := svc.Authenticate(ctx, agent.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !woken.CurrentNodeID.Valid || woken.CurrentNodeID.String != agent.HomeNodeID {
		t.Errorf("agent should wake at home, got %v", woken.CurrentNodeID)
	}

	if _, err := svc.Authenticate(ctx, "bogus"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("bogus token: got %v, want ErrInvalidCredentials", err)
	}
}
