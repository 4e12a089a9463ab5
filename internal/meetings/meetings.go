// Package meetings persists meeting reservations per conversation. A
// conversation is the LINE destination (group, room or user) that owns the
// meetings; records are keyed by the canonical minute-precision start time
// and are never deleted, only flagged.
package meetings

import (
	"context"
	"fmt"
	"time"

	"github.com/example/zoombot/internal/db"
)

// StartLayout is the canonical start-time form used both as the storage key
// and as the notification-task key fragment. Minute precision, no seconds,
// no timezone suffix.
const StartLayout = "2006-01-02T15:04"

type Meeting struct {
	ConversationID string
	StartDatetime  string // StartLayout form
	ZoomURL        string
	IsCancelled    bool
	IsNotified     bool
}

// Active reports whether the meeting counts against the reservation limit
// and shows up in listings.
func (m Meeting) Active() bool {
	return !m.IsCancelled && !m.IsNotified
}

// ParseStart parses a canonical start time in the given display zone.
func ParseStart(start string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(StartLayout, start, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start datetime %q: %w", start, err)
	}
	return t, nil
}

// FormatDisplay renders a canonical start time for reply text, e.g.
// "2025-06-01T09:05" -> "2025/06/01 9:05". The hour is not zero-padded.
func FormatDisplay(start string) string {
	t, err := time.Parse(StartLayout, start)
	if err != nil {
		return start
	}
	return fmt.Sprintf("%04d/%02d/%02d %d:%02d", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute())
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

// ListActive returns the meetings that are neither cancelled nor notified,
// oldest start time first.
func (r *Repo) ListActive(ctx context.Context, conversationID string) ([]Meeting, error) {
	rows, err := r.db.Query(ctx, `
SELECT conversation_id, start_datetime, zoom_url, is_cancelled, is_notified
FROM meetings
WHERE conversation_id=$1 AND is_cancelled=FALSE AND is_notified=FALSE
ORDER BY start_datetime ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("meetings: list active: %w", err)
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		var m Meeting
		if err := rows.Scan(&m.ConversationID, &m.StartDatetime, &m.ZoomURL, &m.IsCancelled, &m.IsNotified); err != nil {
			return nil, fmt.Errorf("meetings: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meetings: list active: %w", err)
	}
	return out, nil
}

func (r *Repo) Get(ctx context.Context, conversationID, start string) (Meeting, error) {
	var m Meeting
	err := r.db.QueryRow(ctx, `
SELECT conversation_id, start_datetime, zoom_url, is_cancelled, is_notified
FROM meetings
WHERE conversation_id=$1 AND start_datetime=$2`, conversationID, start).
		Scan(&m.ConversationID, &m.StartDatetime, &m.ZoomURL, &m.IsCancelled, &m.IsNotified)
	if err != nil {
		return Meeting{}, db.WrapNotFound(err)
	}
	return m, nil
}

// Put upserts the record at (conversation, start time). A duplicate key is a
// full replace, not a merge; callers toggling a flag must re-read first so
// sibling fields survive.
func (r *Repo) Put(ctx context.Context, m Meeting) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO meetings(conversation_id, start_datetime, zoom_url, is_cancelled, is_notified)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (conversation_id, start_datetime) DO UPDATE
SET zoom_url=EXCLUDED.zoom_url,
    is_cancelled=EXCLUDED.is_cancelled,
    is_notified=EXCLUDED.is_notified,
    updated_at=now()`,
		m.ConversationID, m.StartDatetime, m.ZoomURL, m.IsCancelled, m.IsNotified)
	if err != nil {
		return fmt.Errorf("meetings: put %s/%s: %w", m.ConversationID, m.StartDatetime, err)
	}
	return nil
}
