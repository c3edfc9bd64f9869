package ledger

import (
	"fmt"
	"time"
)

// Validity is the server's verdict on a snapshot.
type Validity int

const (
	ValidityUnknown Validity = iota
	ValidityValid
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ValidityFromBool converts the /verify result.
func ValidityFromBool(valid bool) Validity {
	if valid {
		return ValidityValid
	}
	return ValidityInvalid
}

// Snapshot is an immutable copy of the chain at a point in time. The zero
// value is an empty snapshot.
type Snapshot struct {
	blocks    []Block
	fetchedAt time.Time
}

// NewSnapshot copies blocks into a new snapshot.
func NewSnapshot(blocks []Block, fetchedAt time.Time) Snapshot {
	owned := make([]Block, len(blocks))
	for i, b := range blocks {
		owned[i] = cloneBlock(b)
	}
	return Snapshot{blocks: owned, fetchedAt: fetchedAt}
}

// Len returns the number of blocks.
func (s Snapshot) Len() int {
	return len(s.blocks)
}

// FetchedAt returns when the snapshot was received.
func (s Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// Blocks returns a copy of the blocks in snapshot order.
func (s Snapshot) Blocks() []Block {
	out := make([]Block, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = cloneBlock(b)
	}
	return out
}

// At returns the i-th block in snapshot order.
func (s Snapshot) At(i int) Block {
	return cloneBlock(s.blocks[i])
}

// Find returns a copy of the block with the given index.
func (s Snapshot) Find(index uint64) (Block, bool) {
	for _, b := range s.blocks {
		if b.Index == index {
			return cloneBlock(b), true
		}
	}
	return Block{}, false
}

// Each calls fn for every block in order without copying. fn must not
// retain or modify the block.
func (s Snapshot) Each(fn func(Block)) {
	for _, b := range s.blocks {
		fn(b)
	}
}

// TransactionCount returns the number of transactions across all blocks.
func (s Snapshot) TransactionCount() int {
	n := 0
	for _, b := range s.blocks {
		n += len(b.Transactions)
	}
	return n
}

// Clone returns a deep copy of b.
func (b Block) Clone() Block {
	return cloneBlock(b)
}

func cloneBlock(b Block) Block {
	if b.PreviousHash != nil {
		prev := *b.PreviousHash
		b.PreviousHash = &prev
	}
	if b.Nonce != nil {
		nonce := *b.Nonce
		b.Nonce = &nonce
	}
	if b.Transactions != nil {
		txs := make([]Transaction, len(b.Transactions))
		copy(txs, b.Transactions)
		b.Transactions = txs
	}
	return b
}

// =============================================================================
// Structural linkage
// =============================================================================

// LinkageError describes the first block that breaks the chain invariant.
type LinkageError struct {
	Position int
	Index    uint64
	Reason   string
}

func (e *LinkageError) Error() string {
	return fmt.Sprintf("block %d (position %d): %s", e.Index, e.Position, e.Reason)
}

// CheckLinkage verifies indices are strictly increasing, the first block is
// genesis with no previous hash, and every later block links to the hash of
// its predecessor. It is a structural check only; hashes are not recomputed.
func (s Snapshot) CheckLinkage() error {
	for i, b := range s.blocks {
		if i == 0 {
			if b.Index != 0 {
				return &LinkageError{Position: i, Index: b.Index, Reason: "first block is not genesis"}
			}
			if b.PreviousHash != nil && *b.PreviousHash != "" {
				return &LinkageError{Position: i, Index: b.Index, Reason: "genesis block has a previous hash"}
			}
			continue
		}

		prev := s.blocks[i-1]
		if b.Index <= prev.Index {
			return &LinkageError{Position: i, Index: b.Index, Reason: fmt.Sprintf("index not greater than %d", prev.Index)}
		}
		if b.PreviousHash == nil || *b.PreviousHash == "" {
			return &LinkageError{Position: i, Index: b.Index, Reason: "missing previous hash"}
		}
		if *b.PreviousHash != prev.Hash {
			return &LinkageError{Position: i, Index: b.Index, Reason: fmt.Sprintf("previous hash %q does not match %q", *b.PreviousHash, prev.Hash)}
		}
	}
	return nil
}
