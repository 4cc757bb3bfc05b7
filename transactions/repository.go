package transactions

import (
	"context"
	"sort"
	"sync"
)

// Repository stores transaction records.
type Repository interface {
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Upsert stores rec unless the stored record has a later UpdatedAt.
	// The comparison and write are atomic per id. It reports whether rec was applied.
	Upsert(ctx context.Context, rec *Record) (bool, error)

	// ListByWallet returns a wallet's records ordered by CreatedAt.
	ListByWallet(ctx context.Context, walletID string) ([]*Record, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	records  map[string]Record
	byWallet map[string]map[string]struct{}
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:  make(map[string]Record),
		byWallet: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryRepository) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryRepository) Upsert(ctx context.Context, rec *Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.records[rec.ID]; ok && !rec.Newer(&stored) {
		return false, nil
	}

	m.records[rec.ID] = *rec
	ids, ok := m.byWallet[rec.WalletID]
	if !ok {
		ids = make(map[string]struct{})
		m.byWallet[rec.WalletID] = ids
	}
	ids[rec.ID] = struct{}{}

	return true, nil
}

func (m *MemoryRepository) ListByWallet(ctx context.Context, walletID string) ([]*Record, error) {
	m.mu.RLock()
	out := make([]*Record, 0, len(m.byWallet[walletID]))
	for id := range m.byWallet[walletID] {
		rec := m.records[id]
		out = append(out, &rec)
	}
	m.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
