// Package ledgercache holds the latest chain snapshot and the server's
// validity verdict, and derives the ordered views the front end reads.
package ledgercache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/internal/ledger"
	"github.com/R3E-Network/ledger_client/internal/metrics"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// API is the subset of the ledger API the cache reads.
type API interface {
	Chain(ctx context.Context) ([]ledger.Block, error)
	Verify(ctx context.Context) (bool, error)
}

// Stats summarizes the current snapshot.
type Stats struct {
	Blocks       int
	Transactions int
	Validity     ledger.Validity
	RefreshedAt  time.Time
	// Linkage is the structural check result of the snapshot. It is
	// diagnostic and never overrides Validity.
	Linkage error
}

// Cache is a read-through cache of the remote chain.
type Cache struct {
	api API
	log *logger.Logger
	now func() time.Time

	// issued hands out refresh tickets.
	issued uint64

	mu          sync.RWMutex
	applied     uint64
	snapshot    ledger.Snapshot
	validity    ledger.Validity
	linkage     error
	refreshedAt time.Time
}

// New creates an empty Cache.
func New(api API, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.NewDefault("ledgercache")
	}
	return &Cache{api: api, log: log, now: time.Now}
}

// Refresh fetches /chain and /verify and replaces the snapshot and validity
// together. A response is applied only if no newer refresh has been applied
// and ctx is still live; otherwise errors.ErrSuperseded (or the context error)
// is returned. On failure the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	ticket := atomic.AddUint64(&c.issued, 1)
	entry := c.log.WithField("ticket", ticket)

	blocks, err := c.api.Chain(ctx)
	if err != nil {
		metrics.RecordRefresh(metrics.OutcomeFailed, 0)
		entry.WithError(err).Warn("chain refresh failed, keeping previous snapshot")
		return err
	}
	valid, err := c.api.Verify(ctx)
	if err != nil {
		metrics.RecordRefresh(metrics.OutcomeFailed, 0)
		entry.WithError(err).Warn("chain verification failed, keeping previous snapshot")
		return err
	}

	snap := ledger.NewSnapshot(blocks, c.now())
	linkage := snap.CheckLinkage()
	if linkage != nil {
		entry.WithError(linkage).Debug("snapshot failed structural linkage check")
	}

	c.mu.Lock()
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		metrics.RecordRefresh(metrics.OutcomeSuperseded, 0)
		return err
	}
	if ticket <= c.applied {
		c.mu.Unlock()
		metrics.RecordRefresh(metrics.OutcomeSuperseded, 0)
		entry.Debug("discarding stale chain response")
		return errors.ErrSuperseded
	}
	c.applied = ticket
	c.snapshot = snap
	c.validity = ledger.ValidityFromBool(valid)
	c.linkage = linkage
	c.refreshedAt = snap.FetchedAt()
	c.mu.Unlock()

	metrics.RecordRefresh(metrics.OutcomeApplied, snap.Len())
	entry.WithFields(logrus.Fields{
		"blocks": snap.Len(),
		"valid":  valid,
	}).Debug("snapshot refreshed")
	return nil
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() ledger.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Validity returns the server's verdict for the current snapshot.
func (c *Cache) Validity() ledger.Validity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validity
}

// LatestBlocks returns up to n blocks in descending index order.
func (c *Cache) LatestBlocks(n int) []ledger.Block {
	return LatestBlocks(c.Snapshot(), n)
}

// AllTransactions flattens every transaction in block order.
func (c *Cache) AllTransactions() []ledger.AnnotatedTransaction {
	return AllTransactions(c.Snapshot())
}

// RecentTransactions returns the first n of AllTransactions.
func (c *Cache) RecentTransactions(n int) []ledger.AnnotatedTransaction {
	if n <= 0 {
		return []ledger.AnnotatedTransaction{}
	}
	all := c.AllTransactions()
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Block returns the block with index.
func (c *Cache) Block(index uint64) (ledger.Block, bool) {
	return FindBlock(c.Snapshot(), index)
}

// Stats summarizes the current snapshot.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Blocks:       c.snapshot.Len(),
		Transactions: c.snapshot.TransactionCount(),
		Validity:     c.validity,
		RefreshedAt:  c.refreshedAt,
		Linkage:      c.linkage,
	}
}

// =============================================================================
// Views
// =============================================================================

// LatestBlocks returns the last n blocks of snap in descending index order.
func LatestBlocks(snap ledger.Snapshot, n int) []ledger.Block {
	if n <= 0 || snap.Len() == 0 {
		return []ledger.Block{}
	}
	if n > snap.Len() {
		n = snap.Len()
	}
	out := make([]ledger.Block, 0, n)
	for i := snap.Len() - 1; i >= snap.Len()-n; i-- {
		out = append(out, snap.At(i))
	}
	return out
}

// AllTransactions flattens snap's transactions in ascending block order, then
// in-block order, annotated with the block index.
func AllTransactions(snap ledger.Snapshot) []ledger.AnnotatedTransaction {
	out := make([]ledger.AnnotatedTransaction, 0, snap.TransactionCount())
	snap.Each(func(b ledger.Block) {
		for _, tx := range b.Transactions {
			out = append(out, ledger.AnnotatedTransaction{Transaction: tx, BlockIndex: b.Index})
		}
	})
	return out
}

// FindBlock returns the block of snap with index.
func FindBlock(snap ledger.Snapshot, index uint64) (ledger.Block, bool) {
	return snap.Find(index)
}
