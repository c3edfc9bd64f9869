package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// fakeIdentity mimics the session store: Expire clears only the live
// generation.
type fakeIdentity struct {
	mu         sync.Mutex
	userID     string
	token      string
	generation uint64
	expired    int32
	reasons    []string
}

func (f *fakeIdentity) Identity() (Identity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userID == "" {
		return Identity{}, false
	}
	return Identity{UserID: f.userID, Token: f.token, Generation: f.generation}, true
}

func (f *fakeIdentity) Expire(generation uint64, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userID == "" || generation != f.generation {
		return false
	}
	f.userID = ""
	f.generation++
	atomic.AddInt32(&f.expired, 1)
	f.reasons = append(f.reasons, reason)
	return true
}

func newTestGateway(t *testing.T, url string, identity IdentitySource) *Gateway {
	t.Helper()
	gw, err := New(Config{
		BaseURL:  url + "/",
		Timeout:  2 * time.Second,
		Retry:    RetryConfig{},
		Identity: identity,
		Logger:   logger.NewDiscard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return gw
}

// =============================================================================
// Gateway Tests
// =============================================================================

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "  "})
	if !errors.IsValidation(err) {
		t.Errorf("New() error = %v, want validation error", err)
	}
}

func TestNew_TrimsBaseURL(t *testing.T) {
	gw := newTestGateway(t, "http://localhost:5000", nil)
	if gw.BaseURL() != "http://localhost:5000" {
		t.Errorf("BaseURL() = %s, want http://localhost:5000", gw.BaseURL())
	}
	if gw.CircuitState() != CircuitClosed {
		t.Errorf("CircuitState() = %v, want closed", gw.CircuitState())
	}
}

func TestGateway_AttachesIdentity(t *testing.T) {
	var gotUser, gotAuth, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get(UserIDHeader)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get(RequestIDHeader)
		json.NewEncoder(w).Encode(map[string]float64{"balance": 10})
	}))
	defer server.Close()

	identity := &fakeIdentity{userID: "42", token: "signed"}
	gw := newTestGateway(t, server.URL, identity)

	resp, err := gw.Get(context.Background(), "/balance/42")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotUser != "42" {
		t.Errorf("X-User-ID = %q, want 42", gotUser)
	}
	if gotAuth != "Bearer signed" {
		t.Errorf("Authorization = %q, want Bearer signed", gotAuth)
	}
	if gotRequestID == "" || gotRequestID != resp.RequestID {
		t.Errorf("X-Request-ID = %q, response RequestID = %q", gotRequestID, resp.RequestID)
	}

	var payload struct {
		Balance float64 `json:"balance"`
	}
	if err := DecodeJSON(resp, &payload); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if payload.Balance != 10 {
		t.Errorf("balance = %v, want 10", payload.Balance)
	}
}

func TestGateway_NoIdentityHeaderWithoutSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.Header.Get(UserIDHeader); v != "" {
			t.Errorf("X-User-ID = %q, want empty", v)
		}
		if v := r.Header.Get("Authorization"); v != "" {
			t.Errorf("Authorization = %q, want empty", v)
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, &fakeIdentity{})
	if _, err := gw.Get(context.Background(), "/chain"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestGateway_PostSendsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s, want application/json", ct)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["username"] != "alice" {
			t.Errorf("username = %q, want alice", body["username"])
		}
		w.Write([]byte(`{"user_id":"7"}`))
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, nil)
	if _, err := gw.Post(context.Background(), "/login", map[string]string{"username": "alice"}); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
}

func TestGateway_ErrorMessageExtraction(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"error field", http.StatusBadRequest, `{"error":"Insufficient balance"}`, "Insufficient balance"},
		{"message field", http.StatusBadRequest, `{"message":"Amount must be positive"}`, "Amount must be positive"},
		{"error preferred", http.StatusConflict, `{"message":"m","error":"Username already exists"}`, "Username already exists"},
		{"nested error", http.StatusBadRequest, `{"error":{"message":"nested"}}`, "nested"},
		{"html body", http.StatusBadGateway, `<html>bad gateway</html>`, errors.GenericMessage(http.StatusBadGateway)},
		{"empty body", http.StatusNotFound, ``, errors.GenericMessage(http.StatusNotFound)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			gw := newTestGateway(t, server.URL, nil)
			_, err := gw.Post(context.Background(), "/send_transaction", map[string]int{"amount": 1})

			var apiErr *errors.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tc.status {
				t.Errorf("Status = %d, want %d", apiErr.Status, tc.status)
			}
			if apiErr.Message != tc.message {
				t.Errorf("Message = %q, want %q", apiErr.Message, tc.message)
			}
		})
	}
}

func TestGateway_401WithoutIdentityIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid credentials"}`))
	}))
	defer server.Close()

	identity := &fakeIdentity{}
	gw := newTestGateway(t, server.URL, identity)

	_, err := gw.Post(context.Background(), "/login", map[string]string{"username": "a", "password": "b"})
	if !errors.IsAuth(err) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if errors.IsSessionExpired(err) {
		t.Error("login 401 must not be reported as session expiry")
	}
	if atomic.LoadInt32(&identity.expired) != 0 {
		t.Error("login 401 must not touch the session")
	}
}

func TestGateway_AnonymousRequestKeepsSession(t *testing.T) {
	var sawUser, sawAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawUser = r.Header.Get(UserIDHeader)
		sawAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid credentials"}`))
	}))
	defer server.Close()

	identity := &fakeIdentity{userID: "42", token: "tok"}
	gw := newTestGateway(t, server.URL, identity)

	_, err := gw.Post(Anonymous(context.Background()), "/login", map[string]string{"username": "bob", "password": "typo"})
	if !errors.IsAuth(err) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if errors.IsSessionExpired(err) {
		t.Error("anonymous 401 must not be reported as session expiry")
	}
	if sawUser != "" || sawAuth != "" {
		t.Errorf("identity headers sent: user=%q auth=%q", sawUser, sawAuth)
	}
	if atomic.LoadInt32(&identity.expired) != 0 {
		t.Error("anonymous 401 must not expire the live session")
	}
}

func TestGateway_401ExpiresSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"token revoked"}`))
	}))
	defer server.Close()

	identity := &fakeIdentity{userID: "42"}
	gw := newTestGateway(t, server.URL, identity)

	_, err := gw.Get(context.Background(), "/balance/42")
	if !errors.IsSessionExpired(err) {
		t.Fatalf("error = %v, want session expired", err)
	}
	if errors.StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("StatusCode() = %d, want 401", errors.StatusCode(err))
	}
	if got := atomic.LoadInt32(&identity.expired); got != 1 {
		t.Errorf("expirations = %d, want 1", got)
	}
	if identity.reasons[0] != "token revoked" {
		t.Errorf("reason = %q, want token revoked", identity.reasons[0])
	}
}

func TestGateway_Concurrent401ExpireOnce(t *testing.T) {
	release := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived.Done()
		<-release
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	identity := &fakeIdentity{userID: "42"}
	gw := newTestGateway(t, server.URL, identity)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gw.Get(context.Background(), "/chain")
		}(i)
	}

	// Both requests are in flight with the same generation before either 401
	// is delivered.
	arrived.Wait()
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.IsSessionExpired(err) {
			t.Errorf("request %d error = %v, want session expired", i, err)
		}
	}
	if got := atomic.LoadInt32(&identity.expired); got != 1 {
		t.Errorf("expirations = %d, want exactly 1", got)
	}
}

func TestGateway_Late401DoesNotExpireNewerSession(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	identity := &fakeIdentity{userID: "old"}
	gw := newTestGateway(t, server.URL, identity)

	done := make(chan error, 1)
	go func() {
		_, err := gw.Get(context.Background(), "/chain")
		done <- err
	}()

	<-arrived
	// A new login happens while the old request is in flight.
	identity.mu.Lock()
	identity.userID = "new"
	identity.generation++
	identity.mu.Unlock()
	close(release)

	if err := <-done; !errors.IsSessionExpired(err) {
		t.Errorf("error = %v, want session expired", err)
	}
	if got, _ := identity.Identity(); got.UserID != "new" {
		t.Errorf("UserID = %q, newer session must survive a late 401", got.UserID)
	}
	if atomic.LoadInt32(&identity.expired) != 0 {
		t.Error("late 401 must not expire the newer session")
	}
}

func TestGateway_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	gw := newTestGateway(t, url, nil)
	_, err := gw.Get(context.Background(), "/chain")
	if !errors.IsNetwork(err) {
		t.Errorf("error = %v, want network error", err)
	}
}

func TestGateway_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	gw := newTestGateway(t, server.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.Get(ctx, "/chain")
	if !errors.IsNetwork(err) {
		t.Fatalf("error = %v, want network error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want wrapped context.DeadlineExceeded", err)
	}
}

func TestGateway_RateLimiterHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	gw, err := New(Config{
		BaseURL:   server.URL,
		RateLimit: 0.001,
		Burst:     1,
		Logger:    logger.NewDiscard(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := gw.Get(context.Background(), "/verify"); err != nil {
		t.Fatalf("first Get() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := gw.Get(ctx, "/verify"); !errors.IsNetwork(err) {
		t.Errorf("second Get() error = %v, want network error from limiter", err)
	}
}

func TestDecodeJSON_Empty(t *testing.T) {
	if err := DecodeJSON(&Response{Body: []byte("  ")}, &struct{}{}); err == nil {
		t.Error("DecodeJSON() should fail on an empty body")
	}
}

func TestExtractMessage(t *testing.T) {
	if got := ExtractMessage([]byte(`{"error":"  "}`), 500); got != errors.GenericMessage(500) {
		t.Errorf("ExtractMessage() = %q, want generic phrase for blank error", got)
	}
	if got := ExtractMessage([]byte(`{"detail":"Not a ledger user"}`), 404); got != "Not a ledger user" {
		t.Errorf("ExtractMessage() = %q, want detail", got)
	}
}
