package search

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/ledger"
)

// Field selects which side of a transaction a history filter matches.
type Field string

const (
	FieldAll      Field = "all"
	FieldSender   Field = "sender"
	FieldReceiver Field = "receiver"
)

// ParseField parses a history filter field. An empty string means all.
func ParseField(s string) (Field, error) {
	switch f := Field(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FieldAll, nil
	case FieldAll, FieldSender, FieldReceiver:
		return f, nil
	default:
		return "", errors.NewValidationError("filter", fmt.Sprintf("unknown filter field %q", s))
	}
}

// Filter is a transaction history filter.
type Filter struct {
	Field Field
	Value string
}

// FilterTransactions keeps the transactions whose selected field contains the
// filter value, case-insensitively, preserving order. An empty value returns
// txs unchanged.
func FilterTransactions(txs []ledger.AnnotatedTransaction, f Filter) []ledger.AnnotatedTransaction {
	needle := strings.ToLower(strings.TrimSpace(f.Value))
	if needle == "" {
		return txs
	}

	out := make([]ledger.AnnotatedTransaction, 0, len(txs))
	for _, tx := range txs {
		var match bool
		switch f.Field {
		case FieldSender:
			match = containsFold(tx.Sender, needle)
		case FieldReceiver:
			match = containsFold(tx.Receiver, needle)
		default:
			match = containsFold(tx.Sender, needle) || containsFold(tx.Receiver, needle)
		}
		if match {
			out = append(out, tx)
		}
	}
	return out
}
