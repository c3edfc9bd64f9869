// Package search resolves block and transaction queries against a chain
// snapshot. Every function here is pure: the snapshot is never modified.
package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/ledger"
)

// Mode selects what a query matches against.
type Mode string

const (
	ModeIndex   Mode = "index"
	ModeHash    Mode = "hash"
	ModeAddress Mode = "address"
)

var modeAliases = map[string]Mode{
	"index":          ModeIndex,
	"block-index":    ModeIndex,
	"hash":           ModeHash,
	"block-hash":     ModeHash,
	"address":        ModeAddress,
	"wallet-address": ModeAddress,
}

// ParseMode accepts index, hash and address, plus the block-index,
// block-hash and wallet-address form names.
func ParseMode(s string) (Mode, error) {
	if m, ok := modeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return "", errors.NewValidationError("mode", fmt.Sprintf("unknown search mode %q", s))
}

// Query is a search request.
type Query struct {
	Mode  Mode
	Value string
}

// Result holds the matches of one query. Only the field matching the query
// mode is populated.
type Result struct {
	Mode         Mode
	Blocks       []ledger.Block
	Transactions []ledger.AnnotatedTransaction
}

// Len returns the number of matches.
func (r Result) Len() int {
	return len(r.Blocks) + len(r.Transactions)
}

// Empty reports whether nothing matched.
func (r Result) Empty() bool {
	return r.Len() == 0
}

// Search runs q against snap. An empty value or no match yields an empty
// result; an unknown mode is an error.
func Search(snap ledger.Snapshot, q Query) (Result, error) {
	res := Result{
		Mode:         q.Mode,
		Blocks:       []ledger.Block{},
		Transactions: []ledger.AnnotatedTransaction{},
	}
	value := strings.TrimSpace(q.Value)

	switch q.Mode {
	case ModeIndex:
		if value == "" {
			return res, nil
		}
		index, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return res, nil
		}
		if b, ok := snap.Find(index); ok {
			res.Blocks = append(res.Blocks, b)
		}
	case ModeHash:
		if value == "" {
			return res, nil
		}
		needle := strings.ToLower(value)
		snap.Each(func(b ledger.Block) {
			if strings.Contains(strings.ToLower(b.Hash), needle) {
				res.Blocks = append(res.Blocks, b.Clone())
			}
		})
	case ModeAddress:
		if value == "" {
			return res, nil
		}
		needle := strings.ToLower(value)
		snap.Each(func(b ledger.Block) {
			for _, tx := range b.Transactions {
				if containsFold(tx.Sender, needle) || containsFold(tx.Receiver, needle) {
					res.Transactions = append(res.Transactions, ledger.AnnotatedTransaction{Transaction: tx, BlockIndex: b.Index})
				}
			}
		})
	default:
		return res, errors.NewValidationError("mode", fmt.Sprintf("unknown search mode %q", q.Mode))
	}
	return res, nil
}

// containsFold reports whether s contains needle, which must be lower case.
func containsFold(s, needle string) bool {
	return strings.Contains(strings.ToLower(s), needle)
}
