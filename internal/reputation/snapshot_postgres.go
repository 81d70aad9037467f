package reputation

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
)

// PostgresSnapshotStore implements SnapshotStore backed by PostgreSQL.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

const snapshotColumns = `id, agent_addr, total_ratings, average_rating,
			   quality_score, speed_score, value_score, created_at`

func (p *PostgresSnapshotStore) SaveBatch(ctx context.Context, snaps []*Snapshot) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reputation_snapshots
			(agent_addr, total_ratings, average_rating, quality_score, speed_score, value_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range snaps {
		err := stmt.QueryRowContext(ctx, strings.ToLower(s.AgentAddr),
			int64(s.TotalRatings), int64(s.AverageRating),
			int64(s.QualityScore), int64(s.SpeedScore), int64(s.ValueScore),
			s.CreatedAt).Scan(&s.ID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresSnapshotStore) Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM reputation_snapshots
		WHERE agent_addr = $1`

	args := []interface{}{strings.ToLower(q.AgentAddr)}
	argIdx := 2

	if !q.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += " AND created_at <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	query += " LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresSnapshotStore) Latest(ctx context.Context, agent string) (*Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM reputation_snapshots
		WHERE agent_addr = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, strings.ToLower(agent))

	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var (
		s                           Snapshot
		total, avg, qual, spd, valu int64
	)
	if err := row.Scan(&s.ID, &s.AgentAddr, &total, &avg, &qual, &spd, &valu, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.TotalRatings = uint64(total)
	s.AverageRating = uint32(avg)
	s.QualityScore = uint32(qual)
	s.SpeedScore = uint32(spd)
	s.ValueScore = uint32(valu)
	return &s, nil
}
