// Package ledger holds the client-side view of the remote ledger: blocks,
// transactions, and immutable chain snapshots.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Unit is the display label for amounts.
const Unit = "PKC"

// Transaction is a transfer embedded in a block.
type Transaction struct {
	Sender          string          `json:"sender"`
	Receiver        string          `json:"receiver"`
	Amount          decimal.Decimal `json:"amount"`
	Timestamp       Timestamp       `json:"timestamp"`
	SenderAddress   string          `json:"sender_address,omitempty"`
	ReceiverAddress string          `json:"receiver_address,omitempty"`
}

// Block is one entry of the chain. PreviousHash is nil only for genesis.
type Block struct {
	Index        uint64        `json:"index"`
	Hash         string        `json:"hash"`
	PreviousHash *string       `json:"previous_hash"`
	Timestamp    Timestamp     `json:"timestamp"`
	Nonce        *int64        `json:"nonce,omitempty"`
	Transactions []Transaction `json:"transactions"`
}

// UnmarshalJSON accepts both previous_hash and previousHash.
func (b *Block) UnmarshalJSON(data []byte) error {
	type plain Block
	var wire struct {
		plain
		PreviousHashCamel *string `json:"previousHash"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*b = Block(wire.plain)
	if b.PreviousHash == nil && wire.PreviousHashCamel != nil {
		b.PreviousHash = wire.PreviousHashCamel
	}
	return nil
}

// IsGenesis reports whether b is the genesis block.
func (b Block) IsGenesis() bool {
	return b.Index == 0
}

// AnnotatedTransaction is a transaction together with its owning block index.
type AnnotatedTransaction struct {
	Transaction
	BlockIndex uint64 `json:"block_index"`
}

// FormatAmount renders an amount with the ledger unit.
func FormatAmount(amount decimal.Decimal) string {
	return amount.String() + " " + Unit
}

// =============================================================================
// Timestamp
// =============================================================================

// Timestamp is a block or transaction time. The ledger service has been seen
// to send unix seconds, unix milliseconds, and formatted strings, so the raw
// value is kept when it cannot be parsed.
type Timestamp struct {
	Time time.Time
	Raw  string
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
}

// UnmarshalJSON parses a number or string timestamp.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = parseTimestampString(s)
		return nil
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", data, err)
	}
	*t = Timestamp{Time: fromUnix(f), Raw: string(data)}
	return nil
}

// MarshalJSON writes the raw value when present, RFC 3339 otherwise.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Raw != "" {
		if _, err := strconv.ParseFloat(t.Raw, 64); err == nil {
			return []byte(t.Raw), nil
		}
		return json.Marshal(t.Raw)
	}
	if t.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// IsZero reports whether no timestamp was provided.
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero() && t.Raw == ""
}

func (t Timestamp) String() string {
	if !t.Time.IsZero() {
		return t.Time.Local().Format("2006-01-02 15:04:05")
	}
	return t.Raw
}

func parseTimestampString(s string) Timestamp {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: parsed, Raw: s}
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Timestamp{Time: fromUnix(f), Raw: s}
	}
	return Timestamp{Raw: s}
}

// fromUnix treats values beyond year 33658 in seconds as milliseconds.
func fromUnix(f float64) time.Time {
	if f > 1e12 {
		ms := int64(f)
		return time.UnixMilli(ms).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
