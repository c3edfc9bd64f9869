package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/ledger_client/internal/ledger"
	"github.com/R3E-Network/ledger_client/internal/ledgercache"
	"github.com/R3E-Network/ledger_client/internal/session"
	"github.com/R3E-Network/ledger_client/pkg/testutil"
)

func init() {
	DisableColor()
}

func TestGenerateCompletion(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish"} {
		var buf bytes.Buffer
		require.NoError(t, GenerateCompletion(&buf, shell), shell)
		for _, c := range Commands {
			assert.Contains(t, buf.String(), c.Name, "%s script lists %s", shell, c.Name)
		}
		assert.Contains(t, buf.String(), "wallet-address", shell)
	}

	assert.Error(t, GenerateCompletion(&bytes.Buffer{}, "powershell"))
}

func TestBashCompletionRegistersProgram(t *testing.T) {
	s := BashCompletion()
	assert.True(t, strings.HasSuffix(strings.TrimSpace(s), "complete -F _ledgerctl_completion ledgerctl"))
	assert.NotContains(t, s, "%!", "no formatting leftovers")
	assert.NotContains(t, FishCompletion(), "%!")
	assert.NotContains(t, ZshCompletion(), "%!")
}

func TestInstallCompletion(t *testing.T) {
	home := t.TempDir()

	path, err := InstallCompletion(home, "fish")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "fish", "completions", "ledgerctl.fish"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, FishCompletion(), string(data))

	_, err = InstallCompletion(home, "tcsh")
	assert.Error(t, err)
}

func TestUsage(t *testing.T) {
	var buf bytes.Buffer
	Usage(&buf)
	assert.Contains(t, buf.String(), "search <mode> <value>")
	assert.Contains(t, buf.String(), "--log-format")
}

func TestPrinter_Blocks(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	blocks := testutil.NewChain("0000000000000000000000genesis").Block("abc").Blocks()
	require.NoError(t, p.Blocks(blocks))

	out := buf.String()
	assert.Contains(t, out, "Index")
	assert.Contains(t, out, "00000000…enesis")
	assert.Contains(t, out, "abc")

	buf.Reset()
	require.NoError(t, p.Blocks(nil))
	assert.Contains(t, buf.String(), "No blocks")
}

func TestPrinter_TransactionsShowUnit(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	txs := []ledger.AnnotatedTransaction{{Transaction: testutil.Tx("alice", "bob", "12.5"), BlockIndex: 3}}
	require.NoError(t, p.Transactions(txs))
	assert.Contains(t, buf.String(), "12.5 PKC")
	assert.Contains(t, buf.String(), "alice")
}

func TestPrinter_BlockDetails(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	b := testutil.NewChain("g").Block("h1", testutil.Tx("alice", "bob", "1")).Blocks()[1]
	require.NoError(t, p.Block(b))
	assert.Contains(t, buf.String(), "Previous hash")
	assert.Contains(t, buf.String(), "1 PKC")
}

func TestPrinter_StatsAndSession(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	require.NoError(t, p.Stats(ledgercache.Stats{Blocks: 4, Transactions: 3, Validity: ledger.ValidityValid}))
	assert.Contains(t, buf.String(), "valid")
	assert.Contains(t, buf.String(), "never")

	buf.Reset()
	require.NoError(t, p.Session(session.Session{ID: "7", Username: "alice", WalletAddress: "0xa", ExpiresAt: time.Now().Add(time.Hour)}))
	assert.Contains(t, buf.String(), "alice")
	assert.Contains(t, buf.String(), "Expires")

	buf.Reset()
	p.Balance(decimal.RequireFromString("17.5"))
	assert.Contains(t, buf.String(), "17.5 PKC")
}
