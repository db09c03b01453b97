package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopd/authd/internal/domain/user"
	"github.com/shopd/authd/internal/http/handlers"
	"github.com/shopd/authd/internal/jobs"
	"github.com/shopd/authd/internal/repo/postgres"
	"github.com/shopd/authd/internal/security"
)

type fakeResetUsers struct {
	mu sync.Mutex

	user          user.User
	hasUser       bool
	digest        string
	expiresAt     time.Time
	newHash       string
	consumed      bool
	consumeErr    error
	getByEmailErr error
}

func (f *fakeResetUsers) GetByEmail(ctx context.Context, email string) (user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getByEmailErr != nil {
		return user.User{}, f.getByEmailErr
	}

	if !f.hasUser || f.user.Email != email {
		return user.User{}, postgres.ErrUserNotFound
	}
	return f.user, nil
}

func (f *fakeResetUsers) SetResetToken(ctx context.Context, id, digest string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.digest = digest
	f.expiresAt = expiresAt
	return nil
}

func (f *fakeResetUsers) GetByResetToken(ctx context.Context, digest string) (user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.hasUser || f.digest == "" || f.digest != digest || time.Now().After(f.expiresAt) {
		return user.User{}, postgres.ErrUserNotFound
	}
	return f.user, nil
}

func (f *fakeResetUsers) ConsumeResetToken(ctx context.Context, userID, digest, newPasswordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.consumeErr != nil {
		return f.consumeErr
	}

	// mirrors the conditional UPDATE: only an unconsumed matching token wins
	if f.consumed || !f.hasUser || f.user.ID != userID || f.digest != digest || time.Now().After(f.expiresAt) {
		return postgres.ErrUserNotFound
	}

	f.consumed = true
	f.newHash = newPasswordHash
	f.digest = ""
	return nil
}

func setupResetRouter(t *testing.T, users *fakeResetUsers) (*gin.Engine, *fakeJobs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mailJobs := &fakeJobs{}

	h := handlers.NewPasswordResetHandler(users, mailJobs, testConfig())

	r := gin.New()
	r.POST("/password/reset", h.RequestReset)
	r.GET("/password/new/:token", h.GetReset)
	r.POST("/password/new", h.CompleteReset)

	return r, mailJobs
}

func seededResetUsers() *fakeResetUsers {
	return &fakeResetUsers{
		hasUser: true,
		user: user.User{
			ID:    "11111111-2222-3333-4444-555555555555",
			Email: "shopper@example.com",
			Name:  "Shopper",
			Role:  "user",
		},
	}
}

// pulls the raw token back out of the enqueued reset link
func rawTokenFromJob(t *testing.T, mailJobs *fakeJobs) string {
	t.Helper()

	mailJobs.mu.Lock()
	defer mailJobs.mu.Unlock()

	if len(mailJobs.created) != 1 {
		t.Fatalf("got %d enqueued jobs, want 1", len(mailJobs.created))
	}

	var p jobs.PasswordResetEmailPayload
	if err := json.Unmarshal(mailJobs.created[0].Payload, &p); err != nil {
		t.Fatalf("bad job payload: %v", err)
	}

	idx := strings.LastIndex(p.ResetURL, "/")
	if idx == -1 {
		t.Fatalf("reset url has no token: %s", p.ResetURL)
	}
	return p.ResetURL[idx+1:]
}

func TestRequestResetNeverConfirmsAccounts(t *testing.T) {
	users := seededResetUsers()
	r, _ := setupResetRouter(t, users)

	known := postJSON(t, r, "/password/reset", `{"email":"shopper@example.com"}`, nil)
	unknown := postJSON(t, r, "/password/reset", `{"email":"ghost@example.com"}`, nil)

	if known.Code != http.StatusAccepted || unknown.Code != http.StatusAccepted {
		t.Fatalf("got %d and %d, want 202 for both", known.Code, unknown.Code)
	}

	if known.Body.String() != unknown.Body.String() {
		t.Fatalf("bodies differ:\n%s\n%s", known.Body.String(), unknown.Body.String())
	}
}

func TestRequestResetStoresDigestNotRawToken(t *testing.T) {
	users := seededResetUsers()
	r, mailJobs := setupResetRouter(t, users)

	w := postJSON(t, r, "/password/reset", `{"email":"shopper@example.com"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", w.Code)
	}

	raw := rawTokenFromJob(t, mailJobs)

	users.mu.Lock()
	stored := users.digest
	expiry := users.expiresAt
	users.mu.Unlock()

	if stored == "" {
		t.Fatalf("no digest stored")
	}
	if stored == raw {
		t.Fatalf("raw token stored at rest")
	}
	if stored != security.HashToken(raw) {
		t.Fatalf("stored digest does not match sha256 of raw token")
	}
	if time.Until(expiry) <= 0 {
		t.Fatalf("expiry not in the future: %v", expiry)
	}
}

func TestRequestResetStoreOutageIsNotMaskedAsSent(t *testing.T) {
	users := seededResetUsers()
	users.getByEmailErr = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

	r, mailJobs := setupResetRouter(t, users)

	w := postJSON(t, r, "/password/reset", `{"email":"shopper@example.com"}`, nil)

	// only a definitive user miss earns the neutral 202; an outage must
	// surface as a server error, not a claimed "link sent"
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500, body=%s", w.Code, w.Body.String())
	}

	mailJobs.mu.Lock()
	defer mailJobs.mu.Unlock()
	if len(mailJobs.created) != 0 {
		t.Fatalf("got %d enqueued jobs during outage, want 0", len(mailJobs.created))
	}
}

func TestRequestResetEnqueueConflictResolvesExistingJob(t *testing.T) {
	users := seededResetUsers()
	r, mailJobs := setupResetRouter(t, users)

	mailJobs.createErr = &pgconn.PgError{Code: "23505", ConstraintName: "jobs_idempotency_key_key"}

	w := postJSON(t, r, "/password/reset", `{"email":"shopper@example.com"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", w.Code)
	}

	mailJobs.mu.Lock()
	defer mailJobs.mu.Unlock()

	if len(mailJobs.fetchedKeys) != 1 {
		t.Fatalf("got %d idempotency lookups, want 1", len(mailJobs.fetchedKeys))
	}
	if !strings.HasPrefix(mailJobs.fetchedKeys[0], "mail:reset:") {
		t.Fatalf("looked up key %q, want the reset key", mailJobs.fetchedKeys[0])
	}
}

func TestRequestResetJobCarriesIdempotencyKey(t *testing.T) {
	users := seededResetUsers()
	r, mailJobs := setupResetRouter(t, users)

	postJSON(t, r, "/password/reset", `{"email":"shopper@example.com"}`, nil)

	mailJobs.mu.Lock()
	defer mailJobs.mu.Unlock()

	if len(mailJobs.created) != 1 {
		t.Fatalf("got %d jobs, want 1", len(mailJobs.created))
	}

	req := mailJobs.created[0]
	if req.Type != "send_password_reset_email" {
		t.Fatalf("got job type %q", req.Type)
	}
	if req.IdempotencyKey == nil || !strings.HasPrefix(*req.IdempotencyKey, "mail:reset:") {
		t.Fatalf("bad idempotency key: %v", req.IdempotencyKey)
	}
}

func TestGetResetUnknownTokenIsGeneric404(t *testing.T) {
	users := seededResetUsers()
	r, _ := setupResetRouter(t, users)

	req := httptest.NewRequest(http.MethodGet, "/password/new/deadbeef", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid or has expired") {
		t.Fatalf("expected the generic message, got %s", w.Body.String())
	}
}

func TestGetResetExpiredTokenIsTreatedAsMissing(t *testing.T) {
	users := seededResetUsers()
	r, mailJobs := setupResetRouter(t, users)

	postJSON(t, r, "/password/reset", `{"email":"shopper@example.com"}`, nil)
	raw := rawTokenFromJob(t, mailJobs)

	users.mu.Lock()
	users.expiresAt = time.Now().Add(-time.Minute)
	users.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/password/new/"+raw, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404 for expired token", w.Code)
	}
}

func TestResetFlowEndToEnd(t *testing.T) {
	users := seededResetUsers()
	r, mailJobs := setupResetRouter(t, users)

	postJSON(t, r, "/password/reset", `{"email":"shopper@example.com"}`, nil)
	raw := rawTokenFromJob(t, mailJobs)

	// the form loader validates the link first
	req := httptest.NewRequest(http.MethodGet, "/password/new/"+raw, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("validate link: got %d, want 200", w.Code)
	}

	var link struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &link); err != nil {
		t.Fatalf("bad link body: %v", err)
	}
	if link.Token != raw {
		t.Fatalf("link echoes %q, want the raw token", link.Token)
	}

	body := `{"userId":"` + link.UserID + `","token":"` + raw + `","password":"brand-new-password"}`

	done := postJSON(t, r, "/password/new", body, nil)
	if done.Code != http.StatusOK {
		t.Fatalf("complete: got %d, want 200, body=%s", done.Code, done.Body.String())
	}

	users.mu.Lock()
	newHash := users.newHash
	users.mu.Unlock()

	if newHash == "" || newHash == "brand-new-password" {
		t.Fatalf("plaintext or empty password stored: %q", newHash)
	}
	if err := security.CheckPassword(newHash, "brand-new-password"); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}

	// second submit of the same token loses
	again := postJSON(t, r, "/password/new", body, nil)
	if again.Code != http.StatusNotFound {
		t.Fatalf("replayed token: got %d, want 404", again.Code)
	}
}

func TestCompleteResetWrongTokenIsGeneric404(t *testing.T) {
	users := seededResetUsers()
	r, _ := setupResetRouter(t, users)

	body := `{"userId":"` + users.user.ID + `","token":"deadbeef","password":"brand-new-password"}`

	w := postJSON(t, r, "/password/new", body, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid or has expired") {
		t.Fatalf("expected the generic message, got %s", w.Body.String())
	}
}
