package db

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

const (
	playsTable     = "record_plays"
	sqliteFileName = "record_plays.db"
)

// PlayRecord is one continuous stretch of turntable playback.
type PlayRecord struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"ts"`
	RuntimeSeconds int       `json:"runtime_seconds"`
	SessionID      int       `json:"session_id"`
}

// SessionSummary aggregates the plays of a single listening session.
type SessionSummary struct {
	SessionID      int       `json:"session_id"`
	Plays          int       `json:"plays"`
	RuntimeSeconds int       `json:"runtime_seconds"`
	FirstPlay      time.Time `json:"first_play"`
	LastPlay       time.Time `json:"last_play"`
}

// Stats holds store-wide totals.
type Stats struct {
	TotalRuntimeSeconds int `json:"total_runtime_seconds"`
	TotalPlays          int `json:"total_plays"`
	Sessions            int `json:"sessions"`
	NextSessionID       int `json:"next_session_id"`
}

// PlayQuery holds filters for listing plays. Results are newest first.
type PlayQuery struct {
	SessionID *int
	Limit     int
	Since     *time.Time
	Until     *time.Time
}

// Store persists plays and answers runtime aggregates. Every write is
// committed before the call returns.
type Store interface {
	NextSessionID(ctx context.Context) (int, error)
	RecordPlay(ctx context.Context, runtimeSeconds, sessionID int) (PlayRecord, error)
	SessionRuntime(ctx context.Context, sessionID int) (int, error)
	TotalRuntime(ctx context.Context) (int, error)

	ListPlays(ctx context.Context, q PlayQuery) ([]PlayRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Open returns a Postgres store when databaseURL is set and a SQLite store
// inside folder otherwise.
func Open(ctx context.Context, databaseURL, folder string) (Store, error) {
	if url := strings.TrimSpace(databaseURL); url != "" {
		return NewPgStore(ctx, url)
	}
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return nil, errors.New("db folder is required when DATABASE_URL is unset")
	}
	return NewGormStore(filepath.Join(folder, sqliteFileName))
}

// nextID turns the largest recorded session id into the next one.
func nextID(maxID int) int {
	if maxID <= 0 {
		return 1
	}
	return maxID + 1
}

// queryBound normalizes a filter timestamp to the precision plays are stored with.
func queryBound(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Second)
	return &v
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*PgStore)(nil)
)
