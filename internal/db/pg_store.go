package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createPlaysTableSQL = `
CREATE TABLE IF NOT EXISTS record_plays (
    id BIGSERIAL PRIMARY KEY,
    datetime TIMESTAMPTZ NOT NULL,
    runtime INTEGER NOT NULL,
    session_id INTEGER NOT NULL
)`

// PgStore keeps plays in PostgreSQL through a pgx pool.
type PgStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPgStore connects to databaseURL and ensures the plays table exists.
func NewPgStore(ctx context.Context, databaseURL string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createPlaysTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create %s: %w", playsTable, err)
	}
	return &PgStore{pool: pool, now: time.Now}, nil
}

// Close releases the pool resources.
func (s *PgStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PgStore) NextSessionID(ctx context.Context) (int, error) {
	var maxID *int
	if err := s.pool.QueryRow(ctx, `SELECT MAX(session_id) FROM record_plays`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max session id: %w", err)
	}
	if maxID == nil {
		return 1, nil
	}
	return nextID(*maxID), nil
}

func (s *PgStore) RecordPlay(ctx context.Context, runtimeSeconds, sessionID int) (PlayRecord, error) {
	rec := PlayRecord{
		Timestamp:      s.now().UTC().Truncate(time.Second),
		RuntimeSeconds: runtimeSeconds,
		SessionID:      sessionID,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO record_plays (datetime, runtime, session_id) VALUES ($1, $2, $3) RETURNING id`,
		rec.Timestamp, rec.RuntimeSeconds, rec.SessionID,
	).Scan(&rec.ID)
	if err != nil {
		return PlayRecord{}, fmt.Errorf("insert play: %w", err)
	}
	return rec, nil
}

func (s *PgStore) SessionRuntime(ctx context.Context, sessionID int) (int, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(runtime), 0) FROM record_plays WHERE session_id = $1`, sessionID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("session runtime: %w", err)
	}
	return total, nil
}

func (s *PgStore) TotalRuntime(ctx context.Context) (int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(runtime), 0) FROM record_plays`).Scan(&total); err != nil {
		return 0, fmt.Errorf("total runtime: %w", err)
	}
	return total, nil
}

const listPlaysBase = `
    SELECT id, datetime, runtime, session_id
    FROM record_plays
    WHERE TRUE
`

func (s *PgStore) ListPlays(ctx context.Context, q PlayQuery) ([]PlayRecord, error) {
	args := []any{}
	clause := ""
	argPos := 1
	if q.SessionID != nil {
		clause += " AND session_id = $" + strconv.Itoa(argPos)
		args = append(args, *q.SessionID)
		argPos++
	}
	if since := queryBound(q.Since); since != nil {
		clause += " AND datetime >= $" + strconv.Itoa(argPos)
		args = append(args, *since)
		argPos++
	}
	if until := queryBound(q.Until); until != nil {
		clause += " AND datetime <= $" + strconv.Itoa(argPos)
		args = append(args, *until)
		argPos++
	}
	limit := ""
	if q.Limit > 0 {
		limit = " LIMIT $" + strconv.Itoa(argPos)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, listPlaysBase+clause+" ORDER BY id DESC"+limit, args...)
	if err != nil {
		return nil, fmt.Errorf("list plays: %w", err)
	}
	defer rows.Close()

	plays := make([]PlayRecord, 0)
	for rows.Next() {
		var p PlayRecord
		if err := rows.Scan(&p.ID, &p.Timestamp, &p.RuntimeSeconds, &p.SessionID); err != nil {
			return nil, err
		}
		p.Timestamp = p.Timestamp.UTC()
		plays = append(plays, p)
	}
	return plays, rows.Err()
}

const listSessionsSQL = `
    SELECT session_id, COUNT(*), SUM(runtime), MIN(datetime), MAX(datetime)
    FROM record_plays
    GROUP BY session_id
    ORDER BY session_id DESC
`

func (s *PgStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	sql := listSessionsSQL
	args := []any{}
	if limit > 0 {
		sql += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]SessionSummary, 0)
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.Plays, &sum.RuntimeSeconds, &sum.FirstPlay, &sum.LastPlay); err != nil {
			return nil, err
		}
		sum.FirstPlay = sum.FirstPlay.UTC()
		sum.LastPlay = sum.LastPlay.UTC()
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

func (s *PgStore) Stats(ctx context.Context) (Stats, error) {
	var (
		st    Stats
		maxID *int
	)
	err := s.pool.QueryRow(ctx, `
    SELECT COALESCE(SUM(runtime), 0), COUNT(*), COUNT(DISTINCT session_id), MAX(session_id)
    FROM record_plays`).Scan(&st.TotalRuntimeSeconds, &st.TotalPlays, &st.Sessions, &maxID)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st.NextSessionID = 1
	if maxID != nil {
		st.NextSessionID = nextID(*maxID)
	}
	return st, nil
}
