package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pocketDCA/internal/model"
)

//go:embed schema.sql
var schema string

// Store provides Postgres persistence for pocket events and snapshots.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PutEvents appends events and refreshes the latest snapshot of each pocket.
// Replayed sequences are ignored.
func (s *Store) PutEvents(ctx context.Context, events []model.PocketEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	queued := 0
	for _, ev := range events {
		var payload *string
		if ev.Payload != nil {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshal payload %d: %w", ev.Sequence, err)
			}
			str := string(data)
			payload = &str
		}
		batch.Queue(`
			INSERT INTO pocket_events (
				sequence, event_id, pocket_id, name, reason, actor, status, event_ts, payload
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence) DO NOTHING
		`,
			int64(ev.Sequence),
			ev.ID,
			ev.PocketID,
			string(ev.Name),
			string(ev.Reason),
			ev.Actor,
			ev.Status,
			int64(ev.Timestamp),
			payload,
		)
		queued++

		if ev.Snapshot == nil {
			continue
		}
		snapshot, err := json.Marshal(ev.Snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot %d: %w", ev.Sequence, err)
		}
		batch.Queue(`
			INSERT INTO pocket_snapshots (pocket_id, owner, status, sequence, snapshot, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (pocket_id)
			DO UPDATE SET
				owner = EXCLUDED.owner,
				status = EXCLUDED.status,
				sequence = EXCLUDED.sequence,
				snapshot = EXCLUDED.snapshot,
				updated_at = now()
			WHERE pocket_snapshots.sequence < EXCLUDED.sequence
		`,
			ev.PocketID,
			ev.Snapshot.Owner.Hex(),
			ev.Status,
			int64(ev.Sequence),
			string(snapshot),
		)
		queued++
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < queued; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the events of a pocket with sequence above after, oldest
// first. An empty pocketID selects every pocket. limit <= 0 means no limit.
func (s *Store) Events(ctx context.Context, pocketID string, after uint64, limit int) ([]model.PocketEventRecord, error) {
	query := `
		SELECT sequence, event_id, pocket_id, name, reason, actor, status, event_ts, payload
		FROM pocket_events
		WHERE ($1 = '' OR pocket_id = $1) AND sequence > $2
		ORDER BY sequence`
	args := []interface{}{pocketID, int64(after)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PocketEventRecord
	for rows.Next() {
		var (
			rec          model.PocketEventRecord
			seq, ts      int64
			name, reason string
			payload      []byte
		)
		if err := rows.Scan(&seq, &rec.ID, &rec.PocketID, &name, &reason, &rec.Actor, &rec.Status, &ts, &payload); err != nil {
			return nil, err
		}
		rec.Sequence = uint64(seq)
		rec.Timestamp = uint64(ts)
		rec.Name = model.EventName(name)
		rec.Reason = model.Reason(reason)
		if len(payload) > 0 {
			rec.Payload = json.RawMessage(payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Snapshot returns the latest stored state of a pocket.
func (s *Store) Snapshot(ctx context.Context, pocketID string) (*model.Pocket, bool, error) {
	var data []byte
	row := s.pool.QueryRow(ctx, `SELECT snapshot FROM pocket_snapshots WHERE pocket_id=$1`, pocketID)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var p model.Pocket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %q: %w", pocketID, err)
	}
	p.Normalize()
	return &p, true, nil
}

// LoadState returns last_processed_ts for a name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var ts int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_ts FROM operator_state WHERE name=$1`, name)
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(ts), true, nil
}

// SaveState upserts last_processed_ts for a name.
func (s *Store) SaveState(ctx context.Context, name string, ts uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operator_state (name, last_processed_ts, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_ts = EXCLUDED.last_processed_ts, updated_at = now()
	`, name, int64(ts))
	return err
}
