// Package auth implements the login and registration flows: local form
// validation, the ledger calls, and handing the identity to the session store.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/ledgerapi"
	"github.com/R3E-Network/ledger_client/internal/session"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// User-facing messages.
const (
	MsgInvalidCredentials = "Invalid username or password"
	MsgUsernameTaken      = "Username already exists"
	MsgPasswordMismatch   = "Passwords do not match"
)

// API is the subset of the ledger API used by the auth flows.
type API interface {
	Login(ctx context.Context, creds ledgerapi.Credentials) (*ledgerapi.LoginResponse, error)
	Register(ctx context.Context, req ledgerapi.RegisterRequest) (*ledgerapi.RegisterResponse, error)
	Profile(ctx context.Context, userID string) (*ledgerapi.Profile, error)
}

// Sessions is the subset of the session store used by the auth flows.
type Sessions interface {
	Login(ctx context.Context, id session.Identity) (session.Session, error)
	Logout(ctx context.Context) error
}

// Service runs the auth flows.
type Service struct {
	api      API
	sessions Sessions
	log      *logger.Logger
}

// NewService creates a Service.
func NewService(api API, sessions Sessions, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Service{api: api, sessions: sessions, log: log}
}

// RegisterForm is the registration form.
type RegisterForm struct {
	Username        string
	Password        string
	ConfirmPassword string
	WalletAddress   string
}

// Login authenticates and starts a session. The wallet address comes from the
// profile; a profile failure leaves it empty.
func (s *Service) Login(ctx context.Context, username, password string) (session.Session, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return session.Session{}, errors.RequiredError("username")
	}
	if password == "" {
		return session.Session{}, errors.RequiredError("password")
	}

	resp, err := s.api.Login(ctx, ledgerapi.Credentials{Username: username, Password: password})
	if err != nil {
		return session.Session{}, loginError(err)
	}

	wallet := ""
	profile, err := s.api.Profile(ctx, resp.UserID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", resp.UserID).Warn("profile lookup failed, continuing without wallet address")
	} else {
		wallet = profile.WalletAddress
	}

	return s.sessions.Login(ctx, session.Identity{
		UserID:        resp.UserID,
		Username:      username,
		WalletAddress: wallet,
	})
}

func loginError(err error) error {
	if errors.IsAuth(err) {
		return errors.NewAuthError(MsgInvalidCredentials)
	}
	return err
}

// Register creates an account and starts a session.
func (s *Service) Register(ctx context.Context, form RegisterForm) (session.Session, error) {
	form.Username = strings.TrimSpace(form.Username)
	form.WalletAddress = strings.TrimSpace(form.WalletAddress)

	switch {
	case form.Username == "":
		return session.Session{}, errors.RequiredError("username")
	case form.Password == "":
		return session.Session{}, errors.RequiredError("password")
	case form.Password != form.ConfirmPassword:
		return session.Session{}, errors.NewValidationError("confirm_password", MsgPasswordMismatch)
	case form.WalletAddress == "":
		return session.Session{}, errors.RequiredError("wallet_address")
	}

	resp, err := s.api.Register(ctx, ledgerapi.RegisterRequest{
		Username:      form.Username,
		Password:      form.Password,
		WalletAddress: form.WalletAddress,
	})
	if err != nil {
		return session.Session{}, registerError(err)
	}

	s.log.WithFields(logrus.Fields{"user_id": resp.UserID, "username": form.Username}).Info("registered")

	return s.sessions.Login(ctx, session.Identity{
		UserID:        resp.UserID,
		Username:      form.Username,
		WalletAddress: resp.WalletAddress,
	})
}

func registerError(err error) error {
	var apiErr *errors.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return &errors.APIError{Status: apiErr.Status, Message: MsgUsernameTaken, Path: apiErr.Path}
	}
	return err
}

// Logout ends the session.
func (s *Service) Logout(ctx context.Context) error {
	return s.sessions.Logout(ctx)
}
