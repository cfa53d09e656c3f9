package identity

import (
	"context"
	"errors"
	"testing"
)

type fakeRepo struct {
	users         map[string]User
	refreshByHash map[string]RefreshToken
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:         map[string]User{},
		refreshByHash: map[string]RefreshToken{},
	}
}

func (f *fakeRepo) EnsureSchema(context.Context) error { return nil }

func (f *fakeRepo) CreateUser(_ context.Context, user User) error {
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeRepo) FindUserByUsername(_ context.Context, username string) (User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (f *fakeRepo) FindUserByID(_ context.Context, userID string) (User, error) {
	u, ok := f.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (f *fakeRepo) CreateRefreshToken(_ context.Context, token RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}

func (f *fakeRepo) FindRefreshTokenByHash(_ context.Context, tokenHash string) (RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

func (f *fakeRepo) RevokeRefreshToken(_ context.Context, tokenID string) error {
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			delete(f.refreshByHash, hash)
		}
	}
	return nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, NewTokenManager("test-secret"))
}

func TestRegisterAndLogin(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	reg, err := svc.Register(context.Background(), "Alice", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" {
		t.Fatalf("expected tokens, got %+v", reg)
	}
	if reg.Username != "alice" {
		t.Fatalf("expected normalized username, got %q", reg.Username)
	}

	login, err := svc.Login(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if login.UserID != reg.UserID {
		t.Fatalf("login user mismatch: %q vs %q", login.UserID, reg.UserID)
	}
}

func TestRegister_RejectsShortPassword(t *testing.T) {
	svc := newTestService(newFakeRepo())
	_, err := svc.Register(context.Background(), "alice", "short")
	if !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	if _, err := svc.Register(context.Background(), "alice", "password123"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	_, err := svc.Login(context.Background(), "alice", "not-the-password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	reg, err := svc.Register(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	refreshed, err := svc.Refresh(context.Background(), reg.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed.RefreshToken == reg.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}

	// The old token must be unusable after rotation.
	if _, err := svc.Refresh(context.Background(), reg.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for rotated token, got %v", err)
	}
}

func TestLogout_RevokesSession(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	reg, err := svc.Register(context.Background(), "alice", "password123")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if err := svc.Logout(context.Background(), reg.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), reg.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}
}
