package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/streamsync/stream"
	"github.com/onnwee/streamsync/twitchapi"
)

// Record appends one API call to the call log.
func (s *Store) Record(ctx context.Context, e twitchapi.CallEntry) error {
	var remaining sql.NullInt64
	if e.Remaining != nil {
		remaining = sql.NullInt64{Int64: int64(*e.Remaining), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO api_stats (id, ts, call, api, endpoint, code, remaining) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Timestamp, e.Call, e.API, e.Endpoint, e.Code, remaining)
	if err != nil {
		return fmt.Errorf("record api call: %w", err)
	}
	return nil
}

// CallRow is one stored call log entry.
type CallRow struct {
	ID        string        `db:"id" json:"id"`
	Timestamp time.Time     `db:"ts" json:"timestamp"`
	Call      string        `db:"call" json:"call"`
	API       string        `db:"api" json:"api"`
	Endpoint  string        `db:"endpoint" json:"endpoint"`
	Code      string        `db:"code" json:"code"`
	Remaining sql.NullInt64 `db:"remaining" json:"-"`
}

// RecentCalls returns the newest call log entries first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []CallRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id::text AS id, ts, call, api, endpoint, code, remaining FROM api_stats ORDER BY ts DESC LIMIT $1`, limit)
	return rows, err
}

// SaveStats appends one stream stats snapshot.
func (s *Store) SaveStats(ctx context.Context, row stream.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO stream_stats
		(ts, when_online, viewers, subscribers, bits, tips, chat_messages, followers, views, max_viewers, new_chatters, hosts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		row.Timestamp, nullTime(row.WhenOnline), row.Viewers, row.Subscribers, row.Bits, row.Tips,
		int64(row.ChatMessages), row.Followers, row.Views, row.MaxViewers, row.NewChatters, row.Hosts)
	if err != nil {
		return fmt.Errorf("save stream stats: %w", err)
	}
	return nil
}
