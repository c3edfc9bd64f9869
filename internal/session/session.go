// Package session owns the authenticated identity of the ledger client.
//
// The Store is the only writer of the persisted session. It implements
// httputil.IdentitySource so the gateway can attach identity to requests and
// expire the session when the ledger service answers 401.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/httputil"
	"github.com/R3E-Network/ledger_client/internal/metrics"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

const persistTimeout = 5 * time.Second

// Session is an authenticated identity. ID is never empty.
type Session struct {
	ID            string
	Username      string
	WalletAddress string
	Token         string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Identity is the input of Login.
type Identity struct {
	UserID        string
	Username      string
	WalletAddress string
}

// Option configures a Store.
type Option func(*Store)

// WithSigner enables signed, expiring session tokens.
func WithSigner(signer *TokenSigner) Option {
	return func(s *Store) { s.signer = signer }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds the current session.
type Store struct {
	mu          sync.RWMutex
	current     *Session
	generation  uint64
	initialized bool
	listeners   map[int]func(reason string)
	nextID      int

	// persistMu orders repository writes by the order of the in-memory
	// transitions that caused them.
	persistMu sync.Mutex

	repo   Repository
	signer *TokenSigner
	now    func() time.Time
	log    *logger.Logger
}

// NewStore creates an empty Store backed by repo.
func NewStore(repo Repository, log *logger.Logger, opts ...Option) *Store {
	if log == nil {
		log = logger.NewDefault("session")
	}
	s := &Store{
		repo:      repo,
		now:       time.Now,
		log:       log,
		listeners: make(map[int]func(string)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.signer != nil {
		s.signer = s.signer.withClock(s.now)
	}
	return s
}

// Restore loads the persisted session. It never fails: repository errors and
// rejected tokens leave the store empty.
func (s *Store) Restore(ctx context.Context) {
	rec, err := s.repo.Get(ctx)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		s.markInitialized()
		return
	case err != nil:
		s.log.WithError(err).Warn("failed to read persisted session")
		s.markInitialized()
		return
	}

	if strings.TrimSpace(rec.UserID) == "" || strings.TrimSpace(rec.Username) == "" {
		s.markInitialized()
		return
	}

	sess := &Session{
		ID:            rec.UserID,
		Username:      rec.Username,
		WalletAddress: rec.WalletAddress,
		Token:         rec.Token,
	}

	if s.signer != nil {
		claims, err := s.signer.Verify(rec.Token)
		if err == nil && claims.Subject != rec.UserID {
			err = errors.New("session token belongs to another user")
		}
		if err != nil {
			s.log.WithError(err).WithField("user_id", rec.UserID).Info("discarding persisted session")
			if clearErr := s.repo.Clear(ctx); clearErr != nil {
				s.log.WithError(clearErr).Warn("failed to erase persisted session")
			}
			s.markInitialized()
			return
		}
		sess.IssuedAt = claims.IssuedAt.Time
		sess.ExpiresAt = claims.ExpiresAt.Time
	}

	s.mu.Lock()
	s.current = sess
	s.generation++
	s.initialized = true
	s.mu.Unlock()

	s.log.WithField("user_id", sess.ID).Debug("session restored")
}

func (s *Store) markInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether Restore or Login has run.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Login makes id the current session and persists it. A persistence failure
// is logged; the session stays usable for this process.
func (s *Store) Login(ctx context.Context, id Identity) (Session, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return Session{}, errors.RequiredError("user_id")
	}

	sess := Session{
		ID:            id.UserID,
		Username:      id.Username,
		WalletAddress: id.WalletAddress,
	}
	if s.signer != nil {
		token, claims, err := s.signer.Issue(id.UserID, id.Username)
		if err != nil {
			return Session{}, err
		}
		sess.Token = token
		sess.IssuedAt = claims.IssuedAt.Time
		sess.ExpiresAt = claims.ExpiresAt.Time
	}

	s.mu.Lock()
	stored := sess
	s.current = &stored
	s.generation++
	s.initialized = true
	s.persistMu.Lock()
	s.mu.Unlock()

	err := s.repo.Set(ctx, Record{
		UserID:        sess.ID,
		Username:      sess.Username,
		WalletAddress: sess.WalletAddress,
		Token:         sess.Token,
	})
	s.persistMu.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("failed to persist session")
	}

	s.log.WithFields(logrus.Fields{"user_id": sess.ID, "username": sess.Username}).Info("logged in")
	return sess, nil
}

// Logout clears the current session and erases the persisted record.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	wasLoggedIn := s.current != nil
	s.current = nil
	s.generation++
	s.persistMu.Lock()
	s.mu.Unlock()

	err := s.repo.Clear(ctx)
	s.persistMu.Unlock()
	if err != nil {
		return err
	}
	if wasLoggedIn {
		s.log.Info("logged out")
	}
	return nil
}

// IsAuthenticated reports whether a live session exists. An expired signed
// session is cleared on the way.
func (s *Store) IsAuthenticated() bool {
	_, ok := s.Current()
	return ok
}

// Current returns a copy of the current session.
func (s *Store) Current() (Session, bool) {
	cur, _, ok := s.live()
	if !ok {
		return Session{}, false
	}
	return cur, true
}

// live returns the current session with the generation it belongs to,
// expiring it first if its token has run out.
func (s *Store) live() (Session, uint64, bool) {
	s.mu.RLock()
	cur, gen := s.current, s.generation
	s.mu.RUnlock()

	if cur == nil {
		return Session{}, gen, false
	}
	if !cur.ExpiresAt.IsZero() && !s.now().Before(cur.ExpiresAt) {
		s.Expire(gen, "session token expired")
		return Session{}, gen, false
	}
	return *cur, gen, true
}

// Generation increments on every login, logout and expiry.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Token returns the signed token of the current session, if any.
func (s *Store) Token() string {
	cur, ok := s.Current()
	if !ok {
		return ""
	}
	return cur.Token
}

// Identity implements httputil.IdentitySource.
func (s *Store) Identity() (httputil.Identity, bool) {
	cur, gen, ok := s.live()
	if !ok {
		return httputil.Identity{}, false
	}
	return httputil.Identity{UserID: cur.ID, Token: cur.Token, Generation: gen}, true
}

// Expire clears the session if generation is still the live one and notifies
// OnExpired listeners. It reports whether a session was cleared, so that
// concurrent 401s clear a session exactly once.
func (s *Store) Expire(generation uint64, reason string) bool {
	s.mu.Lock()
	if s.current == nil || generation != s.generation {
		s.mu.Unlock()
		return false
	}
	userID := s.current.ID
	s.current = nil
	s.generation++
	listeners := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.persistMu.Lock()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := s.repo.Clear(ctx)
	cancel()
	s.persistMu.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("failed to erase expired session")
	}

	metrics.RecordSessionExpired()
	s.log.WithFields(logrus.Fields{"user_id": userID, "reason": reason}).Warn("session expired")

	for _, fn := range listeners {
		fn(reason)
	}
	return true
}

// OnExpired registers fn to be called once per expired session. The returned
// function unregisters it.
func (s *Store) OnExpired(fn func(reason string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

var _ httputil.IdentitySource = (*Store)(nil)
