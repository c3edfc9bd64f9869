package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/ledger_client/internal/auth"
	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/ledger"
	"github.com/R3E-Network/ledger_client/internal/ledgercache"
	"github.com/R3E-Network/ledger_client/internal/metrics"
	"github.com/R3E-Network/ledger_client/internal/search"
)

// Rows shown by the dashboard.
const (
	dashboardBlocks       = 5
	dashboardTransactions = 10
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"login":     cmdLogin,
	"register":  cmdRegister,
	"logout":    cmdLogout,
	"whoami":    cmdWhoami,
	"dashboard": cmdDashboard,
	"block":     cmdBlock,
	"search":    cmdSearch,
	"history":   cmdHistory,
	"balance":   cmdBalance,
	"send":      cmdSend,
	"queue":     cmdQueue,
	"mine":      cmdMine,
	"watch":     cmdWatch,
}

// reorder moves flags ahead of positional arguments so flags may follow
// them. valued names the flags that consume the next argument.
func reorder(args []string, valued ...string) []string {
	takesValue := make(map[string]bool, len(valued))
	for _, v := range valued {
		takesValue[v] = true
	}

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if takesValue[name] && !strings.Contains(name, "=") && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return append(flags, positional...)
}

func usageError(usage string) error {
	return errors.NewValidationError("usage", "ledgerctl "+usage)
}

// =============================================================================
// Session commands
// =============================================================================

// readSecret takes a secret from the flag value, or prompts for it: masked on
// a terminal, one line from stdin otherwise.
func (a *app) readSecret(flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if !a.interactive {
		return readLine(a.stdin)
	}
	return pterm.DefaultInteractiveTextInput.WithMask("*").Show(prompt)
}

func readLine(r io.Reader) (string, error) {
	if r == nil {
		return "", nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	password := fs.String("password", "", "Password (prompted when omitted)")
	if err := fs.Parse(reorder(args, "password")); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("login <username> [--password pw]")
	}

	pw, err := a.readSecret(*password, "Password")
	if err != nil {
		return err
	}
	sess, err := a.auth.Login(ctx, fs.Arg(0), pw)
	if err != nil {
		return err
	}
	a.out.Success("Logged in as %s", sess.Username)
	return a.out.Session(sess)
}

func cmdRegister(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	password := fs.String("password", "", "Password (prompted when omitted)")
	confirm := fs.String("confirm", "", "Password confirmation (defaults to --password)")
	if err := fs.Parse(reorder(args, "password", "confirm")); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return usageError("register <username> <wallet-address> [--password pw]")
	}

	pw, err := a.readSecret(*password, "Password")
	if err != nil {
		return err
	}
	confirmation := *confirm
	switch {
	case confirmation != "":
	case *password != "":
		confirmation = pw
	default:
		if confirmation, err = a.readSecret("", "Confirm password"); err != nil {
			return err
		}
	}

	sess, err := a.auth.Register(ctx, auth.RegisterForm{
		Username:        fs.Arg(0),
		Password:        pw,
		ConfirmPassword: confirmation,
		WalletAddress:   fs.Arg(1),
	})
	if err != nil {
		return err
	}
	a.out.Success("Registered %s", sess.Username)
	return a.out.Session(sess)
}

func cmdLogout(ctx context.Context, a *app, _ []string) error {
	if err := a.auth.Logout(ctx); err != nil {
		return err
	}
	a.wallet.Reset()
	a.out.Success("Logged out")
	return nil
}

func cmdWhoami(_ context.Context, a *app, _ []string) error {
	sess, err := a.requireSession()
	if err != nil {
		return err
	}
	return a.out.Session(sess)
}

// =============================================================================
// Chain commands
// =============================================================================

func cmdDashboard(ctx context.Context, a *app, _ []string) error {
	if err := a.cache.Refresh(ctx); err != nil {
		return err
	}
	if err := a.out.Stats(a.cache.Stats()); err != nil {
		return err
	}

	a.out.Section("Latest blocks")
	if err := a.out.Blocks(a.cache.LatestBlocks(dashboardBlocks)); err != nil {
		return err
	}
	a.out.Section("Recent transactions")
	if err := a.out.Transactions(a.cache.RecentTransactions(dashboardTransactions)); err != nil {
		return err
	}

	if sess, ok := a.store.Current(); ok {
		balance, err := a.wallet.LoadBalance(ctx, sess.ID)
		if err != nil {
			reportError(a.out, err)
			return nil
		}
		a.out.Balance(balance)
	}
	return nil
}

func cmdBlock(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return usageError("block <index>")
	}
	index, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 64)
	if err != nil {
		return errors.NewValidationError("index", "must be a non-negative integer")
	}
	if err := a.cache.Refresh(ctx); err != nil {
		return err
	}
	b, ok := a.cache.Block(index)
	if !ok {
		return fmt.Errorf("block %d: %w", index, errors.ErrNotFound)
	}
	return a.out.Block(b)
}

func cmdSearch(ctx context.Context, a *app, args []string) error {
	if len(args) < 2 {
		return usageError("search <index|hash|address> <value>")
	}
	mode, err := search.ParseMode(args[0])
	if err != nil {
		return err
	}
	if err := a.cache.Refresh(ctx); err != nil {
		return err
	}

	res, err := search.Search(a.cache.Snapshot(), search.Query{Mode: mode, Value: strings.Join(args[1:], " ")})
	if err != nil {
		return err
	}
	if res.Empty() {
		a.out.Info("No results")
		return nil
	}
	a.out.Info("%d result(s)", res.Len())
	if mode == search.ModeAddress {
		return a.out.Transactions(res.Transactions)
	}
	return a.out.Blocks(res.Blocks)
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	field := fs.String("filter", "all", "Field to match: all|sender|receiver")
	if err := fs.Parse(reorder(args, "filter")); err != nil {
		return err
	}
	f, err := search.ParseField(*field)
	if err != nil {
		return err
	}
	if err := a.cache.Refresh(ctx); err != nil {
		return err
	}

	txs := search.FilterTransactions(a.cache.AllTransactions(), search.Filter{
		Field: f,
		Value: strings.Join(fs.Args(), " "),
	})
	return a.out.Transactions(txs)
}

// =============================================================================
// Wallet commands
// =============================================================================

func cmdBalance(ctx context.Context, a *app, _ []string) error {
	sess, err := a.requireSession()
	if err != nil {
		return err
	}
	balance, err := a.wallet.LoadBalance(ctx, sess.ID)
	if err != nil {
		return err
	}
	a.out.Balance(balance)
	return nil
}

func parseTransfer(args []string, usage string) (string, decimal.Decimal, error) {
	if len(args) != 2 {
		return "", decimal.Zero, usageError(usage)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(args[1]))
	if err != nil {
		return "", decimal.Zero, errors.NewValidationError("amount", "must be a number")
	}
	return strings.TrimSpace(args[0]), amount, nil
}

func cmdSend(ctx context.Context, a *app, args []string) error {
	receiver, amount, err := parseTransfer(args, "send <receiver> <amount>")
	if err != nil {
		return err
	}
	sess, err := a.requireSession()
	if err != nil {
		return err
	}

	// Load the balance first so the local sufficiency check has a value.
	if _, err := a.wallet.LoadBalance(ctx, sess.ID); err != nil && !errors.IsSuperseded(err) {
		if errors.IsSessionExpired(err) {
			return err
		}
		a.log.WithError(err).Debug("balance unavailable before send")
	}

	resp, err := a.wallet.SubmitTransaction(ctx, sess.Username, receiver, amount, sess.ID)
	if err != nil {
		return err
	}
	msg := resp.Message
	if msg == "" {
		msg = "Transaction sent"
	}
	a.out.Success("%s: %s to %s", msg, ledger.FormatAmount(amount), receiver)
	a.out.Balance(resp.NewBalance)
	return nil
}

func cmdQueue(ctx context.Context, a *app, args []string) error {
	receiver, amount, err := parseTransfer(args, "queue <receiver> <amount>")
	if err != nil {
		return err
	}
	sess, err := a.requireSession()
	if err != nil {
		return err
	}
	msg, err := a.wallet.QueueTransaction(ctx, sess.Username, receiver, amount)
	if err != nil {
		return err
	}
	if msg == "" {
		msg = "Transaction queued"
	}
	a.out.Success("%s: %s to %s", msg, ledger.FormatAmount(amount), receiver)
	return nil
}

func cmdMine(ctx context.Context, a *app, _ []string) error {
	if _, err := a.requireSession(); err != nil {
		return err
	}

	out, err := a.wallet.MineBlock(ctx)
	if err != nil {
		return err
	}
	a.out.Success("Mined block %d (%s)", out.Block.Index, out.Block.Hash)
	if out.RefreshErr != nil {
		a.out.Warning("Chain refresh failed: %s", errors.UserMessage(out.RefreshErr))
	}
	if out.BalanceErr != nil {
		a.out.Warning("Balance reload failed: %s", errors.UserMessage(out.BalanceErr))
	} else if balance, ok := a.wallet.Balance(); ok {
		a.out.Balance(balance)
	}
	return nil
}

// =============================================================================
// Watch
// =============================================================================

func cmdWatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	interval := fs.Duration("interval", a.cfg.Cache.RefreshInterval, "Refresh interval")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	if err := fs.Parse(reorder(args, "interval", "metrics-addr")); err != nil {
		return err
	}

	addr := *metricsAddr
	if addr == "" && a.cfg.Metrics.Enabled {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		stop, err := a.serveMetrics(addr)
		if err != nil {
			return err
		}
		defer stop()
	}

	if err := a.cache.Refresh(ctx); err != nil {
		a.out.Warning("Initial refresh failed: %s", errors.UserMessage(err))
	} else if err := a.out.Stats(a.cache.Stats()); err != nil {
		return err
	}

	w, err := ledgercache.NewWatcher(a.cache, *interval, a.log.Named("watcher"))
	if err != nil {
		return err
	}
	w.OnTick(func(stats ledgercache.Stats, err error) {
		if err != nil {
			if !errors.IsSuperseded(err) && ctx.Err() == nil {
				a.out.Warning("Refresh failed, showing the previous snapshot: %s", errors.UserMessage(err))
			}
			return
		}
		if err := a.out.Stats(stats); err != nil {
			a.log.WithError(err).Warn("render stats")
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	a.out.Info("Watching every %s, press Ctrl+C to stop", interval.String())

	<-ctx.Done()
	w.Stop()
	return nil
}

// serveMetrics serves the metrics registry on addr until the returned func
// is called.
func (a *app) serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("metrics server stopped")
		}
	}()
	a.log.WithField("addr", ln.Addr().String()).Info("serving metrics")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("metrics server shutdown")
		}
	}, nil
}
