package reputation

import "context"

// SnapshotStore keeps the periodic profile snapshots written by Worker.
// Addresses are stored lowercased.
type SnapshotStore interface {
	SaveBatch(ctx context.Context, snaps []*Snapshot) error
	// Query returns matching snapshots newest first, at most q.Limit
	// (default 100).
	Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error)
	// Latest returns nil, nil when the agent has no snapshots.
	Latest(ctx context.Context, agent string) (*Snapshot, error)
}
