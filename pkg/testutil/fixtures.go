// Package testutil provides fixtures and recorders shared by package tests.
package testutil

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/ledger_client/internal/ledger"
)

// Epoch is the timestamp of the first fixture block.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Tx builds a transaction. amount must be a valid decimal literal.
func Tx(sender, receiver, amount string) ledger.Transaction {
	return ledger.Transaction{
		Sender:    sender,
		Receiver:  receiver,
		Amount:    decimal.RequireFromString(amount),
		Timestamp: ledger.Timestamp{Time: Epoch},
	}
}

// ChainBuilder assembles a linked chain with caller-chosen hashes.
type ChainBuilder struct {
	blocks []ledger.Block
}

// NewChain starts a chain with a genesis block hashed genesisHash.
func NewChain(genesisHash string) *ChainBuilder {
	return &ChainBuilder{blocks: []ledger.Block{{
		Index:        0,
		Hash:         genesisHash,
		Timestamp:    ledger.Timestamp{Time: Epoch},
		Transactions: []ledger.Transaction{},
	}}}
}

// Block appends a block linked to the previous one.
func (c *ChainBuilder) Block(hash string, txs ...ledger.Transaction) *ChainBuilder {
	prev := c.blocks[len(c.blocks)-1]
	prevHash := prev.Hash
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	c.blocks = append(c.blocks, ledger.Block{
		Index:        prev.Index + 1,
		Hash:         hash,
		PreviousHash: &prevHash,
		Timestamp:    ledger.Timestamp{Time: Epoch.Add(time.Duration(prev.Index+1) * time.Minute)},
		Transactions: txs,
	})
	return c
}

// Blocks returns a copy of the assembled blocks.
func (c *ChainBuilder) Blocks() []ledger.Block {
	out := make([]ledger.Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Snapshot wraps the assembled blocks.
func (c *ChainBuilder) Snapshot() ledger.Snapshot {
	return ledger.NewSnapshot(c.blocks, Epoch)
}

// ExpiryRecorder collects session-expired notifications.
type ExpiryRecorder struct {
	mu      sync.Mutex
	reasons []string
}

// Record is an expiry listener.
func (r *ExpiryRecorder) Record(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

// Count returns the number of notifications.
func (r *ExpiryRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

// Reasons returns the recorded reasons in order.
func (r *ExpiryRecorder) Reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}
