// Package httputil is the single HTTP boundary between the client and the
// ledger service. It attaches identity, classifies responses, and expires the
// session on a 401.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/metrics"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// Header names.
const (
	UserIDHeader    = "X-User-ID"
	RequestIDHeader = "X-Request-ID"
)

const maxBodySize = 8 << 20

// Identity is what the gateway attaches to an outgoing request.
type Identity struct {
	UserID string
	Token  string
	// Generation is the session generation at send time. A 401 passes it back
	// so that only the session that made the request can be expired.
	Generation uint64
}

// IdentitySource supplies the current identity and handles server-reported
// authorization failures. The session store implements it.
type IdentitySource interface {
	Identity() (Identity, bool)
	Expire(generation uint64, reason string) bool
}

// Config configures a Gateway.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	Retry          RetryConfig
	CircuitBreaker CircuitBreakerConfig

	// Transport overrides the underlying round tripper (tests).
	Transport http.RoundTripper
	Identity  IdentitySource
	Logger    *logger.Logger
}

// Gateway sends requests to the ledger service.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	transport  *Transport
	limiter    *rate.Limiter
	identity   IdentitySource
	log        *logger.Logger
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	RequestID  string
}

// New creates a Gateway.
func New(cfg Config) (*Gateway, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.RequiredError("base_url")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("gateway")
	}

	breaker := cfg.CircuitBreaker
	if breaker.OnStateChange == nil {
		breaker.OnStateChange = func(from, to CircuitState) {
			log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("ledger circuit breaker changed state")
		}
	}
	transport := NewTransport(cfg.Transport, cfg.Retry, breaker)

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Gateway{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		transport: transport,
		limiter:   limiter,
		identity:  cfg.Identity,
		log:       log,
	}, nil
}

// BaseURL returns the ledger service base URL.
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// CircuitState reports the breaker state guarding the ledger service.
func (g *Gateway) CircuitState() CircuitState {
	return g.transport.CircuitState()
}

// Do sends a request and returns the 2xx response, or one of:
// *errors.NetworkError, *errors.AuthError (401 without identity),
// errors.ErrSessionExpired (401 with identity), *errors.APIError.
func (g *Gateway) Do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	op := method + " " + path

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &errors.NetworkError{Op: op, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)

	ident, withIdentity := g.currentIdentity(ctx)
	if withIdentity {
		req.Header.Set(UserIDHeader, ident.UserID)
		if ident.Token != "" {
			req.Header.Set("Authorization", "Bearer "+ident.Token)
		}
	}

	entry := g.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
	})

	done := metrics.StartRequest(method, path)
	start := time.Now()

	resp, err := g.httpClient.Do(req)
	if err != nil {
		done(0)
		entry.WithError(err).Debug("ledger request failed")
		return nil, &errors.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	done(resp.StatusCode)
	if err != nil {
		return nil, &errors.NetworkError{Op: op, Err: fmt.Errorf("read response body: %w", err)}
	}

	entry.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start).String(),
	}).Debug("ledger request completed")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{
			StatusCode: resp.StatusCode,
			Body:       raw,
			Headers:    resp.Header,
			RequestID:  requestID,
		}, nil
	}

	message := ExtractMessage(raw, resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		if !withIdentity {
			return nil, errors.NewAuthError(message)
		}
		if g.identity.Expire(ident.Generation, message) {
			entry.WithField("user_id", ident.UserID).Warn("session expired by ledger service")
		}
		return nil, fmt.Errorf("%s: %w: %w", op, errors.ErrSessionExpired,
			&errors.APIError{Status: resp.StatusCode, Message: message, Path: path})
	}

	return nil, &errors.APIError{Status: resp.StatusCode, Message: message, Path: path}
}

type anonymousKey struct{}

// Anonymous marks ctx so requests made with it carry no session identity.
// Credential endpoints use it: a 401 there is a rejected login, not an
// expired session.
func Anonymous(ctx context.Context) context.Context {
	return context.WithValue(ctx, anonymousKey{}, true)
}

func isAnonymous(ctx context.Context) bool {
	v, _ := ctx.Value(anonymousKey{}).(bool)
	return v
}

func (g *Gateway) currentIdentity(ctx context.Context) (Identity, bool) {
	if g.identity == nil || isAnonymous(ctx) {
		return Identity{}, false
	}
	ident, ok := g.identity.Identity()
	if !ok || ident.UserID == "" {
		return Identity{}, false
	}
	return ident, true
}

// Get performs a GET request.
func (g *Gateway) Get(ctx context.Context, path string) (*Response, error) {
	return g.Do(ctx, http.MethodGet, path, nil)
}

// Post performs a POST request with a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return g.Do(ctx, http.MethodPost, path, body)
}

// DecodeJSON decodes a response body into target.
func DecodeJSON(resp *Response, target interface{}) error {
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(resp.Body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ExtractMessage pulls a human readable message out of an error body: the
// "error" field, then "message", then a generic phrase for the status.
func ExtractMessage(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error", "message", "error.message", "detail"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String {
				if msg := strings.TrimSpace(r.String()); msg != "" {
					return msg
				}
			}
		}
	}
	return errors.GenericMessage(status)
}
