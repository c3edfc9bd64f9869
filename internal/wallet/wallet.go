// Package wallet runs balance, transfer and mining operations and keeps the
// displayed balance in step with what the ledger service confirmed.
package wallet

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/ledger"
	"github.com/R3E-Network/ledger_client/internal/ledgerapi"
	"github.com/R3E-Network/ledger_client/internal/metrics"
	"github.com/R3E-Network/ledger_client/internal/session"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// Operation names used for metrics.
const (
	OpLoadBalance = "load_balance"
	OpSend        = "send_transaction"
	OpQueue       = "add_transaction"
	OpMine        = "mine"
)

// API is the subset of the ledger API used by wallet operations.
type API interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	SendTransaction(ctx context.Context, req ledgerapi.TransferRequest) (*ledgerapi.SendResponse, error)
	AddTransaction(ctx context.Context, req ledgerapi.TransferRequest) (string, error)
	Mine(ctx context.Context) (*ledgerapi.MineResponse, error)
}

// Refresher reloads the chain snapshot after mining.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// CurrentSession reports the signed-in user.
type CurrentSession interface {
	Current() (session.Session, bool)
}

// MineOutcome reports a successful mine and the two follow-up reloads. The
// reload errors are independent of each other and of the mining result.
type MineOutcome struct {
	Block      ledger.Block
	Message    string
	RefreshErr error
	BalanceErr error
}

// Flow runs wallet operations.
type Flow struct {
	api      API
	cache    Refresher
	sessions CurrentSession
	log      *logger.Logger

	// issued hands out tickets to every operation that can set the balance.
	issued uint64

	mu      sync.Mutex
	applied uint64
	balance decimal.Decimal
	known   bool
}

// New creates a Flow. cache may be nil, in which case MineBlock skips the
// refresh. With nil sessions MineBlock reports ErrNotAuthenticated as its
// BalanceErr.
func New(api API, cache Refresher, sessions CurrentSession, log *logger.Logger) *Flow {
	if log == nil {
		log = logger.NewDefault("wallet")
	}
	return &Flow{api: api, cache: cache, sessions: sessions, log: log}
}

// Balance returns the displayed balance and whether it is known.
func (f *Flow) Balance() (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.known
}

// Reset forgets the displayed balance. Responses still in flight are
// discarded when they arrive.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = atomic.LoadUint64(&f.issued)
	f.balance = decimal.Zero
	f.known = false
}

func (f *Flow) ticket() uint64 {
	return atomic.AddUint64(&f.issued, 1)
}

// apply sets the displayed balance if ticket is the newest applied so far
// and ctx is still live.
func (f *Flow) apply(ctx context.Context, ticket uint64, balance decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if ticket <= f.applied {
		return errors.ErrSuperseded
	}
	f.applied = ticket
	f.balance = balance
	f.known = true
	return nil
}

// LoadBalance fetches the balance of sessionID and displays it. On failure
// the displayed balance is left unchanged.
func (f *Flow) LoadBalance(ctx context.Context, sessionID string) (balance decimal.Decimal, err error) {
	defer func() { metrics.RecordWalletOperation(OpLoadBalance, err) }()

	if sessionID == "" {
		return decimal.Zero, errors.ErrNotAuthenticated
	}

	ticket := f.ticket()
	balance, err = f.api.Balance(ctx, sessionID)
	if err != nil {
		f.log.WithError(err).WithField("user_id", sessionID).Warn("balance load failed")
		return decimal.Zero, err
	}
	if err := f.apply(ctx, ticket, balance); err != nil {
		f.log.WithField("ticket", ticket).Debug("discarding stale balance response")
		return decimal.Zero, err
	}
	return balance, nil
}

// SubmitTransaction sends amount from sender to receiver and, on success,
// sets the displayed balance to the new_balance reported by the service. The
// comparison against the displayed balance is advisory: the service decides
// sufficiency, and its rejection is returned unchanged with the displayed
// balance left as it was.
func (f *Flow) SubmitTransaction(ctx context.Context, sender, receiver string, amount decimal.Decimal, sessionID string) (resp *ledgerapi.SendResponse, err error) {
	if err := f.validateTransfer(sender, receiver, amount); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, errors.ErrNotAuthenticated
	}
	if balance, known := f.Balance(); known && amount.GreaterThan(balance) {
		return nil, errors.NewValidationError("amount", "Insufficient balance")
	}

	defer func() { metrics.RecordWalletOperation(OpSend, err) }()

	ticket := f.ticket()
	resp, err = f.api.SendTransaction(ctx, ledgerapi.NewTransfer(sender, receiver, amount, sessionID))
	if err != nil {
		f.log.WithError(err).WithFields(logrus.Fields{
			"user_id":  sessionID,
			"receiver": receiver,
		}).Warn("transaction rejected")
		return nil, err
	}

	f.log.WithFields(logrus.Fields{
		"user_id":  sessionID,
		"receiver": receiver,
		"amount":   amount.String(),
	}).Info("transaction sent")

	if err := f.apply(ctx, ticket, resp.NewBalance); err != nil && !errors.IsSuperseded(err) {
		// The transfer went through; only the display update was dropped.
		f.log.WithError(err).Debug("new balance not applied")
	}
	return resp, nil
}

// QueueTransaction adds a pending transfer to the next mined block. The
// displayed balance does not change.
func (f *Flow) QueueTransaction(ctx context.Context, sender, receiver string, amount decimal.Decimal) (message string, err error) {
	if err := f.validateTransfer(sender, receiver, amount); err != nil {
		return "", err
	}

	defer func() { metrics.RecordWalletOperation(OpQueue, err) }()

	message, err = f.api.AddTransaction(ctx, ledgerapi.NewTransfer(sender, receiver, amount, ""))
	if err != nil {
		return "", err
	}
	return message, nil
}

func (f *Flow) validateTransfer(sender, receiver string, amount decimal.Decimal) error {
	switch {
	case sender == "":
		return errors.RequiredError("sender")
	case receiver == "":
		return errors.RequiredError("receiver")
	case !amount.IsPositive():
		return errors.NewValidationError("amount", "must be greater than zero")
	}
	return nil
}

// MineBlock mines pending transactions, then reloads the chain snapshot and
// the current session's balance. The returned error is non-nil only when
// mining itself failed; reload failures are reported in the outcome.
func (f *Flow) MineBlock(ctx context.Context) (MineOutcome, error) {
	resp, err := f.api.Mine(ctx)
	metrics.RecordWalletOperation(OpMine, err)
	if err != nil {
		f.log.WithError(err).Warn("mining failed")
		return MineOutcome{}, err
	}

	out := MineOutcome{Block: resp.Block, Message: resp.Message}
	f.log.WithFields(logrus.Fields{
		"index":        resp.Block.Index,
		"transactions": len(resp.Block.Transactions),
	}).Info("block mined")

	if f.cache != nil {
		if err := f.cache.Refresh(ctx); err != nil && !errors.IsSuperseded(err) {
			out.RefreshErr = err
		}
	}

	sess, ok := f.currentSession()
	if !ok {
		out.BalanceErr = errors.ErrNotAuthenticated
		return out, nil
	}
	if _, err := f.LoadBalance(ctx, sess.ID); err != nil && !errors.IsSuperseded(err) {
		out.BalanceErr = err
	}
	return out, nil
}

func (f *Flow) currentSession() (session.Session, bool) {
	if f.sessions == nil {
		return session.Session{}, false
	}
	return f.sessions.Current()
}
