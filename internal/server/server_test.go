package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/parsmind/deepresearch/config"
	"github.com/parsmind/deepresearch/internal/store"
)

func newMockDB(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &store.Store{DB: db}, mock
}

func TestLoginSuccess(t *testing.T) {
	e := echo.New()
	st, mock := newMockDB(t)
	handler := &AuthHandler{Store: st, Secret: []byte("test-secret")}

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, password_hash FROM users WHERE email=$1`)).
		WithArgs("a@b.test").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow("user-1", string(hash)))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.test","password":"hunter2hunter2"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := handler.login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected token in response")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	e := echo.New()
	st, mock := newMockDB(t)
	handler := &AuthHandler{Store: st, Secret: []byte("test-secret")}

	hash, _ := bcrypt.GenerateFromPassword([]byte("rightpassword"), bcrypt.DefaultCost)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, password_hash FROM users WHERE email=$1`)).
		WithArgs("a@b.test").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow("user-1", string(hash)))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.test","password":"wrongpassword"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.login(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestWithAuthAcceptsBearerToken(t *testing.T) {
	e := echo.New()
	secret := []byte("test-secret")
	token, err := signJWT("user-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}

	called := false
	h := withAuth(func(c echo.Context) error {
		called = true
		if c.Get("user_id").(string) != "user-1" {
			t.Fatalf("unexpected user id: %v", c.Get("user_id"))
		}
		return c.NoContent(http.StatusOK)
	}, secret)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h(ctx); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !called {
		t.Fatalf("next handler not invoked")
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	e := echo.New()
	h := withAuth(func(c echo.Context) error { return c.NoContent(http.StatusOK) }, []byte("test-secret"))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := h(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestCreateConversationHandler(t *testing.T) {
	e := echo.New()
	st, mock := newMockDB(t)
	handler := &ConversationsHandler{Store: st}

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO conversations (user_id, title)
VALUES ($1,$2)
RETURNING id, status, created_at
`)).
		WithArgs("user-1", "ocean currents").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at"}).
			AddRow("conv-1", store.ConversationStatusActive, time.Now()))

	req := httptest.NewRequest(http.MethodPost, "/api/conversations", strings.NewReader(`{"title":"ocean currents"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := handler.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	var resp ConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "conv-1" || resp.Title != "ocean currents" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRenameConversationNotFound(t *testing.T) {
	e := echo.New()
	st, mock := newMockDB(t)
	handler := &ConversationsHandler{Store: st}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE conversations SET title=$1 WHERE id=$2 AND user_id=$3`)).
		WithArgs("renamed", "conv-404", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPut, "/api/conversations/conv-404", strings.NewReader(`{"title":"renamed"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")
	ctx.SetParamNames("conversation_id")
	ctx.SetParamValues("conv-404")

	err := handler.rename(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestOrchestratorFactorySharesOneWorkerPool(t *testing.T) {
	var cfg config.Config
	cfg.Research.PoolSize = 8
	cfg.Research.RoundLimit = 2

	before := runtime.NumGoroutine()
	factory, cleanup := NewOrchestratorFactory(&cfg, nil, nil)
	for i := 0; i < 20; i++ {
		if _, err := factory(nil); err != nil {
			t.Fatalf("factory: %v", err)
		}
	}
	grown := runtime.NumGoroutine() - before
	if grown > cfg.Research.PoolSize {
		t.Fatalf("goroutines grew by %d across 20 runs, want at most one pool of %d", grown, cfg.Research.PoolSize)
	}

	// Close waits for the workers, so the count settles immediately.
	cleanup()
	if leaked := runtime.NumGoroutine() - before; leaked > 0 {
		t.Fatalf("%d goroutines left after shutdown", leaked)
	}
}
