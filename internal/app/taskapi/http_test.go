package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskpulse/project/internal/app/identity"
	"github.com/taskpulse/project/internal/contracts"
	platformauth "github.com/taskpulse/project/internal/platform/auth"
)

type fakeIdentityRepo struct {
	users         map[string]identity.User
	refreshByHash map[string]identity.RefreshToken
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{
		users:         map[string]identity.User{},
		refreshByHash: map[string]identity.RefreshToken{},
	}
}

func (f *fakeIdentityRepo) EnsureSchema(ctx context.Context) error { return nil }
func (f *fakeIdentityRepo) CreateUser(ctx context.Context, user identity.User) error {
	for _, u := range f.users {
		if u.Username == user.Username {
			return errors.New("duplicate")
		}
	}
	f.users[user.ID] = user
	return nil
}
func (f *fakeIdentityRepo) FindUserByUsername(ctx context.Context, username string) (identity.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return identity.User{}, identity.ErrNotFound
}
func (f *fakeIdentityRepo) FindUserByID(ctx context.Context, userID string) (identity.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return identity.User{}, identity.ErrNotFound
	}
	return u, nil
}
func (f *fakeIdentityRepo) CreateRefreshToken(ctx context.Context, token identity.RefreshToken) error {
	f.refreshByHash[token.TokenHash] = token
	return nil
}
func (f *fakeIdentityRepo) FindRefreshTokenByHash(ctx context.Context, tokenHash string) (identity.RefreshToken, error) {
	rt, ok := f.refreshByHash[tokenHash]
	if !ok || rt.RevokedAt != nil {
		return identity.RefreshToken{}, identity.ErrNotFound
	}
	return rt, nil
}
func (f *fakeIdentityRepo) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	now := time.Now().UTC()
	for hash, rt := range f.refreshByHash {
		if rt.TokenID == tokenID {
			rt.RevokedAt = &now
			f.refreshByHash[hash] = rt
		}
	}
	return nil
}

func newHandlerForTests() (*Handler, *identity.Service, *fakeTaskRepo) {
	identityRepo := newFakeIdentityRepo()
	mgr := platformauth.NewManager("secret", time.Hour)
	identitySvc := identity.NewService(identityRepo, mgr)

	taskRepo := newFakeTaskRepo()
	var published []contracts.Envelope
	svc := newTestService(taskRepo, &published)

	return NewHandler(svc, identitySvc, "http://localhost:5173"), identitySvc, taskRepo
}

func signToken(t *testing.T, identitySvc *identity.Service, userID string) string {
	t.Helper()
	token, err := identitySvc.AuthToken.Sign(userID, "alice")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestTasksRequireAuth(t *testing.T) {
	handler, _, _ := newHandlerForTests()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	handler, identitySvc, _ := newHandlerForTests()
	token := signToken(t, identitySvc, "u1")

	body, _ := json.Marshal(CreateTaskRequest{Title: "Buy milk", Priority: "high"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	var created contracts.TaskSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if created.OwnerID != "u1" || created.Title != "Buy milk" {
		t.Fatalf("unexpected task %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCrossOwnerAccessIsNotFound(t *testing.T) {
	handler, identitySvc, _ := newHandlerForTests()
	ownerToken := signToken(t, identitySvc, "u1")
	otherToken := signToken(t, identitySvc, "u2")

	body, _ := json.Marshal(CreateTaskRequest{Title: "secret"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+ownerToken)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	var created contracts.TaskSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil)
	req.Header.Set("Authorization", "Bearer "+otherToken)
	rr = httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", rr.Code)
	}
}

func TestCompleteEndpoint(t *testing.T) {
	handler, identitySvc, repo := newHandlerForTests()
	token := signToken(t, identitySvc, "u1")

	body, _ := json.Marshal(CreateTaskRequest{Title: "done soon"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	var created contracts.TaskSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/complete", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if repo.tasks[created.TaskID].Status != contracts.StatusCompleted {
		t.Fatalf("completion not persisted")
	}
}

func TestValidationErrorsReturn400(t *testing.T) {
	handler, identitySvc, _ := newHandlerForTests()
	token := signToken(t, identitySvc, "u1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString(`{"title":""}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	handler, identitySvc, _ := newHandlerForTests()
	token := signToken(t, identitySvc, "u1")

	body, _ := json.Marshal(CreateTaskRequest{Title: "traced"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("request id = %q, want req-123", got)
	}

	// Without a caller-supplied id the handler assigns one.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestOptionsHasCORSHeaders(t *testing.T) {
	handler, _, _ := newHandlerForTests()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
	rr := httptest.NewRecorder()
	handler.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected CORS origin: %q", got)
	}
}
