package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/ledger_client/internal/ledger"
	"github.com/R3E-Network/ledger_client/internal/ledgercache"
	"github.com/R3E-Network/ledger_client/internal/session"
)

// Printer renders ledgerctl output.
type Printer struct {
	out io.Writer
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// DisableColor turns off styling for every Printer, e.g. when output is not
// a terminal.
func DisableColor() {
	pterm.DisableStyling()
}

// Success prints a success message.
func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprint(p.out, pterm.Success.Sprintfln(format, args...))
}

// Info prints an informational message.
func (p *Printer) Info(format string, args ...interface{}) {
	fmt.Fprint(p.out, pterm.Info.Sprintfln(format, args...))
}

// Warning prints a warning.
func (p *Printer) Warning(format string, args ...interface{}) {
	fmt.Fprint(p.out, pterm.Warning.Sprintfln(format, args...))
}

// Error prints an error message.
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprint(p.out, pterm.Error.Sprintfln(format, args...))
}

// Section prints a section heading.
func (p *Printer) Section(title string) {
	fmt.Fprint(p.out, pterm.DefaultSection.Sprintln(title))
}

func (p *Printer) table(data pterm.TableData) error {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.out, s)
	return err
}

// ShortHash abbreviates long hashes for tables.
func ShortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:8] + "…" + h[len(h)-6:]
}

func previousHash(b ledger.Block) string {
	if b.PreviousHash == nil {
		return "-"
	}
	return ShortHash(*b.PreviousHash)
}

// Blocks renders blocks in the given order.
func (p *Printer) Blocks(blocks []ledger.Block) error {
	if len(blocks) == 0 {
		p.Info("No blocks")
		return nil
	}
	data := pterm.TableData{{"Index", "Hash", "Previous", "Transactions", "Timestamp"}}
	for _, b := range blocks {
		data = append(data, []string{
			strconv.FormatUint(b.Index, 10),
			ShortHash(b.Hash),
			previousHash(b),
			strconv.Itoa(len(b.Transactions)),
			b.Timestamp.String(),
		})
	}
	return p.table(data)
}

// Transactions renders annotated transactions in the given order.
func (p *Printer) Transactions(txs []ledger.AnnotatedTransaction) error {
	if len(txs) == 0 {
		p.Info("No transactions")
		return nil
	}
	data := pterm.TableData{{"Block", "Sender", "Receiver", "Amount", "Timestamp"}}
	for _, tx := range txs {
		data = append(data, []string{
			strconv.FormatUint(tx.BlockIndex, 10),
			tx.Sender,
			tx.Receiver,
			ledger.FormatAmount(tx.Amount),
			tx.Timestamp.String(),
		})
	}
	return p.table(data)
}

// Block renders one block with its transactions.
func (p *Printer) Block(b ledger.Block) error {
	nonce := "-"
	if b.Nonce != nil {
		nonce = strconv.FormatInt(*b.Nonce, 10)
	}
	prev := "-"
	if b.PreviousHash != nil {
		prev = *b.PreviousHash
	}
	header := pterm.TableData{
		{"Field", "Value"},
		{"Index", strconv.FormatUint(b.Index, 10)},
		{"Hash", b.Hash},
		{"Previous hash", prev},
		{"Timestamp", b.Timestamp.String()},
		{"Nonce", nonce},
	}
	if err := p.table(header); err != nil {
		return err
	}

	txs := make([]ledger.AnnotatedTransaction, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		txs = append(txs, ledger.AnnotatedTransaction{Transaction: tx, BlockIndex: b.Index})
	}
	return p.Transactions(txs)
}

// Stats renders a snapshot summary.
func (p *Printer) Stats(s ledgercache.Stats) error {
	refreshed := "never"
	if !s.RefreshedAt.IsZero() {
		refreshed = s.RefreshedAt.Local().Format(time.RFC1123)
	}
	validity := s.Validity.String()
	switch s.Validity {
	case ledger.ValidityValid:
		validity = pterm.LightGreen(validity)
	case ledger.ValidityInvalid:
		validity = pterm.LightRed(validity)
	}
	return p.table(pterm.TableData{
		{"Blocks", "Transactions", "Chain", "Refreshed"},
		{strconv.Itoa(s.Blocks), strconv.Itoa(s.Transactions), validity, refreshed},
	})
}

// Balance renders a wallet balance.
func (p *Printer) Balance(b decimal.Decimal) {
	p.Info("Balance: %s", pterm.LightCyan(ledger.FormatAmount(b)))
}

// Session renders the signed-in user.
func (p *Printer) Session(s session.Session) error {
	data := pterm.TableData{
		{"User ID", "Username", "Wallet"},
		{s.ID, s.Username, s.WalletAddress},
	}
	if !s.ExpiresAt.IsZero() {
		data[0] = append(data[0], "Expires")
		data[1] = append(data[1], s.ExpiresAt.Local().Format(time.RFC1123))
	}
	return p.table(data)
}
