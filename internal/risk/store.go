package risk

import (
	"context"
	"sync"

	"RiskWatch/internal/state"
)

// SnapshotStore persists violation snapshots keyed by (account, episode) so a
// breach figure survives the position closures that would otherwise zero out
// the computed drawdown. Implementations: MemoryStore here, Postgres in
// internal/persistence.
type SnapshotStore interface {
	Get(ctx context.Context, accountID, episodeID string) (*state.ViolationSnapshot, error)
	// Put writes the snapshot unless one already exists for the key; the
	// first write for an episode wins.
	Put(ctx context.Context, snap state.ViolationSnapshot) error
	Delete(ctx context.Context, accountID, episodeID string) error
}

// MemoryStore is the in-memory SnapshotStore.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]state.ViolationSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]state.ViolationSnapshot)}
}

func storeKey(accountID, episodeID string) string {
	return accountID + ":" + episodeID
}

func (m *MemoryStore) Get(_ context.Context, accountID, episodeID string) (*state.ViolationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[storeKey(accountID, episodeID)]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *MemoryStore) Put(_ context.Context, snap state.ViolationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(snap.AccountID, snap.EpisodeID)
	if _, ok := m.snaps[key]; ok {
		return nil
	}
	m.snaps[key] = snap
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, accountID, episodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, storeKey(accountID, episodeID))
	return nil
}
