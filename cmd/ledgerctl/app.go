package main

import (
	"context"
	"fmt"
	"io"

	"github.com/R3E-Network/ledger_client/internal/auth"
	"github.com/R3E-Network/ledger_client/internal/cli"
	"github.com/R3E-Network/ledger_client/internal/config"
	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/httputil"
	"github.com/R3E-Network/ledger_client/internal/ledgerapi"
	"github.com/R3E-Network/ledger_client/internal/ledgercache"
	"github.com/R3E-Network/ledger_client/internal/session"
	"github.com/R3E-Network/ledger_client/internal/wallet"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// app wires the client components for one ledgerctl invocation.
type app struct {
	cfg *config.Config
	log *logger.Logger
	out *cli.Printer

	stdin       io.Reader
	interactive bool

	store     *session.Store
	closeRepo func() error
	gateway   *httputil.Gateway
	api       *ledgerapi.Client
	auth      *auth.Service
	cache     *ledgercache.Cache
	wallet    *wallet.Flow

	unsubscribe func()
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, out *cli.Printer, stdin io.Reader) (*app, error) {
	repo, closeRepo, err := session.Open(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("open session storage: %w", err)
	}
	opts, err := session.Options(cfg.Session)
	if err != nil {
		closeRepo()
		return nil, err
	}

	store := session.NewStore(repo, log.Named("session"), opts...)
	store.Restore(ctx)

	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = cfg.Ledger.MaxRetries

	gw, err := httputil.New(httputil.Config{
		BaseURL:        cfg.Ledger.BaseURL,
		Timeout:        cfg.Ledger.Timeout,
		RateLimit:      cfg.Ledger.RateLimit,
		Burst:          cfg.Ledger.Burst,
		Retry:          retry,
		CircuitBreaker: httputil.DefaultCircuitBreakerConfig(),
		Identity:       store,
		Logger:         log.Named("gateway"),
	})
	if err != nil {
		closeRepo()
		return nil, err
	}

	api := ledgerapi.New(gw, log.Named("ledgerapi"))
	cache := ledgercache.New(api, log.Named("ledgercache"))

	a := &app{
		cfg:       cfg,
		log:       log,
		out:       out,
		stdin:     stdin,
		store:     store,
		closeRepo: closeRepo,
		gateway:   gw,
		api:       api,
		auth:      auth.NewService(api, store, log.Named("auth")),
		cache:     cache,
		wallet:    wallet.New(api, cache, store, log.Named("wallet")),
	}
	a.unsubscribe = store.OnExpired(func(string) {
		a.wallet.Reset()
		a.out.Warning("%s", errors.UserMessage(errors.ErrSessionExpired))
	})
	return a, nil
}

func (a *app) close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if err := a.closeRepo(); err != nil {
		a.log.WithError(err).Warn("close session storage")
	}
}

// requireSession returns the signed-in session or ErrNotAuthenticated.
func (a *app) requireSession() (session.Session, error) {
	sess, ok := a.store.Current()
	if !ok {
		return session.Session{}, errors.ErrNotAuthenticated
	}
	return sess, nil
}
