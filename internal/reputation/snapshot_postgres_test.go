package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresSnapshotStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresSnapshotStore(db), mock
}

func TestPostgresSnapshotStore_SaveBatch(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO reputation_snapshots")
	prep.ExpectQuery().
		WithArgs("0xaaa", int64(3), int64(4), int64(4), int64(3), int64(5), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	prep.ExpectQuery().
		WithArgs("0xbbb", int64(1), int64(2), int64(2), int64(2), int64(2), now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
	mock.ExpectCommit()

	snaps := []*Snapshot{
		{AgentAddr: "0xAAA", TotalRatings: 3, AverageRating: 4, QualityScore: 4, SpeedScore: 3, ValueScore: 5, CreatedAt: now},
		{AgentAddr: "0xbbb", TotalRatings: 1, AverageRating: 2, QualityScore: 2, SpeedScore: 2, ValueScore: 2, CreatedAt: now},
	}
	require.NoError(t, store.SaveBatch(context.Background(), snaps))
	assert.Equal(t, int64(11), snaps[0].ID)
	assert.Equal(t, int64(12), snaps[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSnapshotStore_Query(t *testing.T) {
	store, mock := newMockStore(t)
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "agent_addr", "total_ratings", "average_rating", "quality_score", "speed_score", "value_score", "created_at"}

	mock.ExpectQuery("SELECT .* FROM reputation_snapshots WHERE agent_addr = \\$1 AND created_at >= \\$2 ORDER BY created_at DESC, id DESC LIMIT \\$3").
		WithArgs("0xaaa", from, 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(2, "0xaaa", 3, 4, 4, 3, 5, from.Add(time.Hour)).
			AddRow(1, "0xaaa", 2, 5, 5, 5, 5, from))

	got, err := store.Query(context.Background(), HistoryQuery{AgentAddr: "0xAAA", From: from, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].TotalRatings)
	assert.Equal(t, uint32(5), got[0].ValueScore)
	assert.Equal(t, int64(1), got[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSnapshotStore_LatestEmpty(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM reputation_snapshots").
		WithArgs("0xaaa").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := store.Latest(context.Background(), "0xaaa")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
