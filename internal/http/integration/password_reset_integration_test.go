package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopd/authd/internal/jobs"
)

// the raw token never touches the database, so the tests fish it out of
// the queued mail job the same way the worker would
func rawResetToken(t *testing.T, pool *pgxpool.Pool, email string) string {
	t.Helper()

	var raw []byte
	err := pool.QueryRow(context.Background(), `
		SELECT payload FROM jobs
		WHERE type = 'send_password_reset_email'
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&raw)
	if err != nil {
		t.Fatalf("no reset job queued: %v", err)
	}

	var p jobs.PasswordResetEmailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("bad job payload: %v", err)
	}
	if p.Email != email {
		t.Fatalf("job addressed to %q, want %q", p.Email, email)
	}

	idx := strings.LastIndex(p.ResetURL, "/")
	return p.ResetURL[idx+1:]
}

func TestPasswordResetFlow(t *testing.T) {
	router, pool := setupAuthTestRouter(t)
	resetAuthDB(t, pool)

	signup := doJSON(t, router, http.MethodPost, "/signup",
		`{"email":"shopper@example.com","password":"original-password","name":"Shopper"}`, nil)
	if signup.Code != http.StatusCreated {
		t.Fatalf("signup: got %d", signup.Code)
	}

	req := doJSON(t, router, http.MethodPost, "/password/reset",
		`{"email":"shopper@example.com"}`, nil)
	if req.Code != http.StatusAccepted {
		t.Fatalf("request reset: got %d, body=%s", req.Code, req.Body.String())
	}

	token := rawResetToken(t, pool, "shopper@example.com")

	// raw token must not appear anywhere in the users table
	var digest string
	err := pool.QueryRow(context.Background(),
		`SELECT reset_token_digest FROM users WHERE email = $1`,
		"shopper@example.com").Scan(&digest)
	if err != nil {
		t.Fatalf("reading stored digest: %v", err)
	}
	if digest == token {
		t.Fatalf("raw token stored at rest")
	}

	// link validation
	check := doJSON(t, router, http.MethodGet, "/password/new/"+token, "", nil)
	if check.Code != http.StatusOK {
		t.Fatalf("validate link: got %d, body=%s", check.Code, check.Body.String())
	}

	var link struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(check.Body.Bytes(), &link); err != nil {
		t.Fatalf("bad link body: %v", err)
	}

	body := `{"userId":"` + link.UserID + `","token":"` + token + `","password":"brand-new-password"}`

	done := doJSON(t, router, http.MethodPost, "/password/new", body, nil)
	if done.Code != http.StatusOK {
		t.Fatalf("complete reset: got %d, body=%s", done.Code, done.Body.String())
	}

	// old password is dead, new one works
	oldLogin := doJSON(t, router, http.MethodPost, "/login",
		`{"email":"shopper@example.com","password":"original-password"}`, nil)
	if oldLogin.Code != http.StatusUnauthorized {
		t.Fatalf("old password: got %d, want 401", oldLogin.Code)
	}

	newLogin := doJSON(t, router, http.MethodPost, "/login",
		`{"email":"shopper@example.com","password":"brand-new-password"}`, nil)
	if newLogin.Code != http.StatusOK {
		t.Fatalf("new password: got %d, body=%s", newLogin.Code, newLogin.Body.String())
	}

	// the token is single use
	replay := doJSON(t, router, http.MethodPost, "/password/new", body, nil)
	if replay.Code != http.StatusNotFound {
		t.Fatalf("replayed token: got %d, want 404", replay.Code)
	}
}

func TestPasswordResetConcurrentConsumeHasOneWinner(t *testing.T) {
	router, pool := setupAuthTestRouter(t)
	resetAuthDB(t, pool)

	signup := doJSON(t, router, http.MethodPost, "/signup",
		`{"email":"shopper@example.com","password":"original-password","name":"Shopper"}`, nil)
	if signup.Code != http.StatusCreated {
		t.Fatalf("signup: got %d", signup.Code)
	}

	doJSON(t, router, http.MethodPost, "/password/reset", `{"email":"shopper@example.com"}`, nil)

	token := rawResetToken(t, pool, "shopper@example.com")

	check := doJSON(t, router, http.MethodGet, "/password/new/"+token, "", nil)
	if check.Code != http.StatusOK {
		t.Fatalf("validate link: got %d", check.Code)
	}

	var link struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(check.Body.Bytes(), &link); err != nil {
		t.Fatalf("bad link body: %v", err)
	}

	const racers = 8

	var wg sync.WaitGroup
	codes := make([]int, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			body := `{"userId":"` + link.UserID + `","token":"` + token + `","password":"brand-new-password"}`
			w := doJSON(t, router, http.MethodPost, "/password/new", body, nil)
			codes[idx] = w.Code
		}(i)
	}

	wg.Wait()

	wins := 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			wins++
		case http.StatusNotFound:
		default:
			t.Fatalf("unexpected status %d in race", code)
		}
	}

	if wins != 1 {
		t.Fatalf("got %d winners, want exactly 1 (codes=%v)", wins, codes)
	}
}

func TestPasswordResetUnknownEmailStillAccepted(t *testing.T) {
	router, pool := setupAuthTestRouter(t)
	resetAuthDB(t, pool)

	w := doJSON(t, router, http.MethodPost, "/password/reset",
		`{"email":"ghost@example.com"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", w.Code)
	}

	// and no job was queued for it
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM jobs WHERE type = 'send_password_reset_email'`).Scan(&n)
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("got %d queued jobs for unknown email, want 0", n)
	}
}
