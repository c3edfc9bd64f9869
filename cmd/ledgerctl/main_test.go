package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/ledger_client/internal/ledgertest"
)

type harness struct {
	t       *testing.T
	srv     *ledgertest.Server
	cfgPath string
	session string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := ledgertest.NewServer()
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	sessionPath := filepath.Join(dir, "session.yaml")
	cfgPath := filepath.Join(dir, "ledgerctl.yaml")
	cfg := fmt.Sprintf(`ledger:
  base_url: %s
  max_retries: 0
session:
  backend: file
  file_path: %s
  profile: test
log:
  level: error
`, srv.URL, sessionPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	return &harness{t: t, srv: srv, cfgPath: cfgPath, session: sessionPath}
}

func (h *harness) run(args ...string) (int, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", h.cfgPath, "--no-color"}, args...)
	code := run(context.Background(), full, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String() + stderr.String()
}

func TestLoginWhoamiLogout(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("alice", "secret", "0xalice", decimal.NewFromInt(30))

	code, out := h.run("login", "alice", "--password", "secret")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Logged in as alice")

	_, err := os.Stat(h.session)
	require.NoError(t, err, "session persisted across invocations")

	code, out = h.run("whoami")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "0xalice")

	code, out = h.run("logout")
	require.Equal(t, 0, code, out)

	code, out = h.run("whoami")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Please log in first")
}

func TestLogin_PasswordFromStdin(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("alice", "secret", "0xalice", decimal.Zero)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(),
		[]string{"--config", h.cfgPath, "--no-color", "login", "alice"},
		strings.NewReader("secret\n"), &stdout, &stderr)
	assert.Equal(t, 0, code, stdout.String()+stderr.String())
}

func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("alice", "secret", "0xalice", decimal.Zero)

	code, out := h.run("login", "alice", "--password", "wrong")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Invalid username or password")
}

func TestRegister(t *testing.T) {
	h := newHarness(t)

	code, out := h.run("register", "bob", "0xbob", "--password", "pw", "--confirm", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Passwords do not match")
	assert.Equal(t, 0, h.srv.Calls(ledgertest.RouteRegister))

	code, out = h.run("register", "bob", "0xbob", "--password", "pw")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Registered bob")
}

func TestWalletCommands(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("alice", "secret", "0xalice", decimal.NewFromInt(30))
	h.srv.AddUser("bob", "secret", "0xbob", decimal.Zero)

	code, out := h.run("login", "alice", "--password", "secret")
	require.Equal(t, 0, code, out)

	code, out = h.run("balance")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "30 PKC")

	code, out = h.run("send", "bob", "50")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Insufficient balance")
	assert.Equal(t, 0, h.srv.Calls(ledgertest.RouteSend))

	code, out = h.run("send", "bob", "12.5")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "17.5 PKC")

	code, out = h.run("queue", "bob", "1")
	require.Equal(t, 0, code, out)

	code, out = h.run("mine")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Mined block 1")

	code, out = h.run("history", "--filter", "receiver", "bob")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "12.5 PKC")
	assert.Contains(t, out, "1 PKC")

	code, out = h.run("search", "wallet-address", "ALICE")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "2 result(s)")

	code, out = h.run("block", "1")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Previous hash")

	code, out = h.run("dashboard")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Latest blocks")
	assert.Contains(t, out, "17.5 PKC")
}

func TestDashboardLimits(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser("alice", "secret", "0xalice", decimal.NewFromInt(30))
	h.srv.AddUser("bob", "secret", "0xbob", decimal.Zero)

	code, out := h.run("login", "alice", "--password", "secret")
	require.Equal(t, 0, code, out)
	for i := 101; i <= 112; i++ {
		code, out = h.run("queue", "bob", fmt.Sprint(i))
		require.Equal(t, 0, code, out)
	}
	for i := 0; i < 6; i++ {
		code, out = h.run("mine")
		require.Equal(t, 0, code, out)
	}

	code, out = h.run("dashboard")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "110 PKC")
	assert.NotContains(t, out, "111 PKC")
	assert.Contains(t, out, "Latest blocks")
}

func TestSessionExpiredNoticeOnce(t *testing.T) {
	h := newHarness(t)
	id := h.srv.AddUser("alice", "secret", "0xalice", decimal.NewFromInt(30))

	code, out := h.run("login", "alice", "--password", "secret")
	require.Equal(t, 0, code, out)

	h.srv.Revoke(id)
	code, out = h.run("balance")
	assert.Equal(t, 1, code)
	assert.Equal(t, 1, strings.Count(out, "session has expired"), out)

	code, out = h.run("whoami")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Please log in first")
}

func TestWalletCommandsRequireSession(t *testing.T) {
	h := newHarness(t)

	for _, args := range [][]string{{"balance"}, {"send", "bob", "1"}, {"mine"}} {
		code, out := h.run(args...)
		assert.Equal(t, 1, code, args)
		assert.Contains(t, out, "Please log in first", args)
	}
	assert.Equal(t, 0, h.srv.TotalCalls())
}

func TestBlockAndSearchErrors(t *testing.T) {
	h := newHarness(t)

	code, out := h.run("block", "x")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "non-negative integer")

	code, _ = h.run("block", "42")
	assert.Equal(t, 1, code)

	code, out = h.run("search", "nonce", "1")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "unknown search mode")

	code, out = h.run("search", "index", "abc")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "No results")
}

func TestCompletionAndUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"completion", "bash"}, nil, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "complete -F _ledgerctl_completion ledgerctl")

	stdout.Reset()
	code = run(context.Background(), []string{"frobnicate"}, nil, &stdout, &stderr)
	assert.Equal(t, 2, code)

	code = run(context.Background(), nil, nil, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

func TestReorder(t *testing.T) {
	got := reorder([]string{"bob", "0xb", "--password", "pw", "-v", "--confirm=pw", "--", "-x"}, "password", "confirm")
	assert.Equal(t, []string{"--password", "pw", "-v", "--confirm=pw", "bob", "0xb", "-x"}, got)
}
