package session

import (
	"context"
	"sync"

	"github.com/R3E-Network/ledger_client/internal/errors"
)

// Record is the persisted form of a session.
type Record struct {
	UserID        string `yaml:"user_id" db:"user_id"`
	Username      string `yaml:"username" db:"username"`
	WalletAddress string `yaml:"wallet_address,omitempty" db:"wallet_address"`
	Token         string `yaml:"token,omitempty" db:"token"`
}

// Repository persists a single session record. Get returns errors.ErrNotFound
// when nothing is stored.
type Repository interface {
	Get(ctx context.Context) (Record, error)
	Set(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// =============================================================================
// Memory Repository
// =============================================================================

// MemoryRepository keeps the record in memory. Used by tests and by the
// memory backend.
type MemoryRepository struct {
	mu     sync.Mutex
	record *Record

	// ErrorOnNextCall, when set, is returned by the next call and then reset.
	ErrorOnNextCall error

	Sets   int
	Clears int
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (m *MemoryRepository) checkError() error {
	if m.ErrorOnNextCall != nil {
		err := m.ErrorOnNextCall
		m.ErrorOnNextCall = nil
		return err
	}
	return nil
}

// Get returns the stored record.
func (m *MemoryRepository) Get(_ context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkError(); err != nil {
		return Record{}, err
	}
	if m.record == nil {
		return Record{}, errors.ErrNotFound
	}
	return *m.record, nil
}

// Set stores rec.
func (m *MemoryRepository) Set(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkError(); err != nil {
		return err
	}
	m.Sets++
	m.record = &rec
	return nil
}

// Clear removes the stored record.
func (m *MemoryRepository) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkError(); err != nil {
		return err
	}
	m.Clears++
	m.record = nil
	return nil
}

// FailNext makes the next call return err.
func (m *MemoryRepository) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorOnNextCall = err
}

// Counts returns the number of successful Set and Clear calls.
func (m *MemoryRepository) Counts() (sets, clears int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Sets, m.Clears
}

var _ Repository = (*MemoryRepository)(nil)
