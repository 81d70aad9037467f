package reputation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agentmarket/internal/validation"
)

const defaultHistoryLimit = 100

// MemorySnapshotStore keeps snapshots per agent in insertion order.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	byAgent map[string][]Snapshot
	lastID  int64
	now     func() time.Time
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{byAgent: make(map[string][]Snapshot), now: time.Now}
}

// SaveBatch assigns IDs in order and writes them back to snaps.
func (m *MemorySnapshotStore) SaveBatch(_ context.Context, snaps []*Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snaps {
		m.lastID++
		s.ID = m.lastID
		stored := *s
		stored.AgentAddr = validation.NormalizeAddress(stored.AgentAddr)
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = m.now()
		}
		m.byAgent[stored.AgentAddr] = append(m.byAgent[stored.AgentAddr], stored)
	}
	return nil
}

func (m *MemorySnapshotStore) Query(_ context.Context, q HistoryQuery) ([]*Snapshot, error) {
	m.mu.RLock()
	all := m.byAgent[validation.NormalizeAddress(q.AgentAddr)]
	out := make([]*Snapshot, 0, len(all))
	for i := range all {
		s := all[i]
		if (!q.From.IsZero() && s.CreatedAt.Before(q.From)) || (!q.To.IsZero() && s.CreatedAt.After(q.To)) {
			continue
		}
		out = append(out, &s)
	}
	m.mu.RUnlock()

	// newest first; ID breaks ties within one batch
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySnapshotStore) Latest(ctx context.Context, agent string) (*Snapshot, error) {
	recent, err := m.Query(ctx, HistoryQuery{AgentAddr: agent, Limit: 1})
	if err != nil || len(recent) == 0 {
		return nil, err
	}
	return recent[0], nil
}
