package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sammyslee/if.then.fund/internal/config"
	"github.com/sammyslee/if.then.fund/internal/db"
	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/engine"
	"github.com/sammyslee/if.then.fund/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Auth.JWTSecret = testJWTSecret
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.InsertUser(context.Background(), domain.User{
		ID:        "user-1",
		Email:     "user1@example.com",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: userID})
	s, err := tok.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeaders(t *testing.T, userID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, userID)}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/triggers", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/triggers", nil, authHeaders(t, "user-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(body))
	}
}

func TestTriggerPledgeFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "user-1")

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"title": "Vote on the Example Act",
		"outcomes": []map[string]string{
			{"vote_key": "+", "label": "Yes on the Example Act"},
			{"vote_key": "-", "label": "No on the Example Act"},
		},
		"max_split": 100,
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create trigger status %d: %s", createRes.StatusCode, string(data))
	}
	var created TriggerResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal trigger: %v", err)
	}
	if created.Status != "draft" {
		t.Fatalf("expected draft, got %s", created.Status)
	}

	openRes, openBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers/"+created.ID+"/status", map[string]any{
		"status": "open",
	}, headers)
	if openRes.StatusCode != http.StatusOK {
		t.Fatalf("open trigger status %d: %s", openRes.StatusCode, string(openBody))
	}

	pledgeRes, pledgeBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/pledges", map[string]any{
		"trigger_id":      created.ID,
		"desired_outcome": 0,
		"amount":          "10.00",
		"incumb_challgr":  0,
	}, headers)
	if pledgeRes.StatusCode != http.StatusCreated {
		t.Fatalf("create pledge status %d: %s", pledgeRes.StatusCode, string(pledgeBody))
	}
	var pledge PledgeResponse
	if err := json.Unmarshal(pledgeBody, &pledge); err != nil {
		t.Fatalf("unmarshal pledge: %v", err)
	}
	if pledge.Amount != "10.00" {
		t.Fatalf("expected amount 10.00, got %s", pledge.Amount)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/triggers/"+created.ID, nil, headers)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get trigger status %d: %s", getRes.StatusCode, string(getBody))
	}
	var fetched TriggerResponse
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.PledgeCount != 1 || fetched.TotalPledged != "10.00" {
		t.Fatalf("expected 1 pledge totalling 10.00, got %d / %s", fetched.PledgeCount, fetched.TotalPledged)
	}

	cancelRes, cancelBody := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/pledges/"+pledge.ID, nil, headers)
	if cancelRes.StatusCode >= 300 {
		t.Fatalf("cancel pledge status %d: %s", cancelRes.StatusCode, string(cancelBody))
	}

	getRes, getBody = doJSON(t, client, http.MethodGet, srv.URL+"/v0/triggers/"+created.ID, nil, headers)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get trigger status %d: %s", getRes.StatusCode, string(getBody))
	}
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.PledgeCount != 0 || fetched.TotalPledged != "0.00" {
		t.Fatalf("expected counters back to zero, got %d / %s", fetched.PledgeCount, fetched.TotalPledged)
	}
}

func TestInvalidStateConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t, "user-1")

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"title": "Draft only",
		"outcomes": []map[string]string{
			{"vote_key": "+", "label": "Yes"},
			{"vote_key": "-", "label": "No"},
		},
		"max_split": 100,
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create trigger status %d: %s", createRes.StatusCode, string(data))
	}
	var created TriggerResponse
	_ = json.Unmarshal(data, &created)

	// A draft trigger cannot be vacated.
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/triggers/"+created.ID+"/vacate", nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %q: %s", envelope.Error.Code, string(body))
	}
}
