package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type playRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Datetime  time.Time `gorm:"column:datetime;not null;index"`
	Runtime   int       `gorm:"column:runtime;not null"`
	SessionID int       `gorm:"column:session_id;not null;index"`
}

func (playRow) TableName() string { return playsTable }

func (r playRow) record() PlayRecord {
	return PlayRecord{
		ID:             r.ID,
		Timestamp:      r.Datetime.UTC(),
		RuntimeSeconds: r.Runtime,
		SessionID:      r.SessionID,
	}
}

// GormStore keeps plays in a local SQLite file.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore opens (creating if needed) the SQLite database file at path
// and migrates the plays table.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite db dir: %w", err)
	}
	gdb, err := gorm.Open(sqliteDriver.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := gdb.AutoMigrate(&playRow{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", playsTable, err)
	}
	return &GormStore{db: gdb, now: time.Now}, nil
}

// Close releases the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) NextSessionID(ctx context.Context) (int, error) {
	var maxID sql.NullInt64
	row := s.db.WithContext(ctx).Model(&playRow{}).Select("MAX(session_id)").Row()
	if err := row.Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max session id: %w", err)
	}
	return nextID(int(maxID.Int64)), nil
}

func (s *GormStore) RecordPlay(ctx context.Context, runtimeSeconds, sessionID int) (PlayRecord, error) {
	row := playRow{
		Datetime:  s.now().UTC().Truncate(time.Second),
		Runtime:   runtimeSeconds,
		SessionID: sessionID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return PlayRecord{}, fmt.Errorf("insert play: %w", err)
	}
	return row.record(), nil
}

func (s *GormStore) SessionRuntime(ctx context.Context, sessionID int) (int, error) {
	var total int
	row := s.db.WithContext(ctx).Model(&playRow{}).
		Select("COALESCE(SUM(runtime), 0)").
		Where("session_id = ?", sessionID).
		Row()
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("session runtime: %w", err)
	}
	return total, nil
}

func (s *GormStore) TotalRuntime(ctx context.Context) (int, error) {
	var total int
	row := s.db.WithContext(ctx).Model(&playRow{}).Select("COALESCE(SUM(runtime), 0)").Row()
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("total runtime: %w", err)
	}
	return total, nil
}

func (s *GormStore) ListPlays(ctx context.Context, q PlayQuery) ([]PlayRecord, error) {
	tx := s.db.WithContext(ctx).Model(&playRow{})
	if q.SessionID != nil {
		tx = tx.Where("session_id = ?", *q.SessionID)
	}
	if since := queryBound(q.Since); since != nil {
		tx = tx.Where("datetime >= ?", *since)
	}
	if until := queryBound(q.Until); until != nil {
		tx = tx.Where("datetime <= ?", *until)
	}
	tx = tx.Order("id DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []playRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list plays: %w", err)
	}
	plays := make([]PlayRecord, 0, len(rows))
	for _, r := range rows {
		plays = append(plays, r.record())
	}
	return plays, nil
}

type sessionAggregate struct {
	SessionID int
	Plays     int
	Runtime   int
	FirstID   int64
	LastID    int64
}

// ListSessions aggregates per session, newest session first. The first and
// last timestamps are loaded through their rows so the column keeps its
// declared type.
func (s *GormStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	tx := s.db.WithContext(ctx).Model(&playRow{}).
		Select("session_id, COUNT(*) AS plays, SUM(runtime) AS runtime, MIN(id) AS first_id, MAX(id) AS last_id").
		Group("session_id").
		Order("session_id DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var aggs []sessionAggregate
	if err := tx.Scan(&aggs).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(aggs) == 0 {
		return []SessionSummary{}, nil
	}

	ids := make([]int64, 0, len(aggs)*2)
	for _, a := range aggs {
		ids = append(ids, a.FirstID, a.LastID)
	}
	var rows []playRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load session bounds: %w", err)
	}
	stamps := make(map[int64]time.Time, len(rows))
	for _, r := range rows {
		stamps[r.ID] = r.Datetime.UTC()
	}

	sessions := make([]SessionSummary, 0, len(aggs))
	for _, a := range aggs {
		sessions = append(sessions, SessionSummary{
			SessionID:      a.SessionID,
			Plays:          a.Plays,
			RuntimeSeconds: a.Runtime,
			FirstPlay:      stamps[a.FirstID],
			LastPlay:       stamps[a.LastID],
		})
	}
	return sessions, nil
}

func (s *GormStore) Stats(ctx context.Context) (Stats, error) {
	var (
		total    int
		plays    int
		sessions int
		maxID    sql.NullInt64
	)
	row := s.db.WithContext(ctx).Model(&playRow{}).
		Select("COALESCE(SUM(runtime), 0), COUNT(*), COUNT(DISTINCT session_id), MAX(session_id)").
		Row()
	if err := row.Scan(&total, &plays, &sessions, &maxID); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return Stats{
		TotalRuntimeSeconds: total,
		TotalPlays:          plays,
		Sessions:            sessions,
		NextSessionID:       nextID(int(maxID.Int64)),
	}, nil
}
