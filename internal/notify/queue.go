// Package notify owns the deferred notification tasks created when a
// meeting is reserved. Scheduling writes a durable task row; an in-process
// dispatcher delivers due payloads to the external notifier endpoint, which
// is responsible for messaging the user and flipping the meeting's notified
// flag.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/zoombot/internal/db"
	"github.com/example/zoombot/internal/meetings"
)

// TaskID derives the task identifier from the conversation and start time.
// It is deterministic so Cancel can recompute it without a lookup table.
func TaskID(conversationID, start string) string {
	return conversationID + "-" + strings.ReplaceAll(start, ":", "-")
}

// Payload is what the external notifier receives at meeting time.
type Payload struct {
	Destination string `json:"destination"`
	Datetime    string `json:"datetime"`
	ZoomURL     string `json:"zoomUrl"`
}

type Queue struct {
	db  *db.DB
	loc *time.Location
}

// NewQueue returns a queue that interprets start times in loc when computing
// the absolute run instant.
func NewQueue(d *db.DB, loc *time.Location) *Queue {
	return &Queue{db: d, loc: loc}
}

// Schedule creates the single deferred task for a meeting. Scheduling the
// same (conversation, start time) again replaces the previous task and
// resets its delivery state, mirroring the overwrite semantics of the
// meeting store.
func (q *Queue) Schedule(ctx context.Context, conversationID, start, zoomURL string) error {
	runAt, err := meetings.ParseStart(start, q.loc)
	if err != nil {
		return fmt.Errorf("notify: schedule: %w", err)
	}

	payload, err := json.Marshal(Payload{
		Destination: conversationID,
		Datetime:    start,
		ZoomURL:     zoomURL,
	})
	if err != nil {
		return fmt.Errorf("notify: schedule: %w", err)
	}

	_, err = q.db.Exec(ctx, `
INSERT INTO notify_tasks(id, conversation_id, start_datetime, run_at, payload)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE
SET run_at=EXCLUDED.run_at,
    payload=EXCLUDED.payload,
    attempts=0,
    last_error=NULL,
    delivered_at=NULL`,
		TaskID(conversationID, start), conversationID, start, runAt.UTC(), payload)
	if err != nil {
		return fmt.Errorf("notify: schedule %s: %w", TaskID(conversationID, start), err)
	}
	return nil
}

// Cancel deletes the task for a meeting. A missing task is success:
// cancellation may race with the task having already fired.
func (q *Queue) Cancel(ctx context.Context, conversationID, start string) error {
	_, err := q.db.Exec(ctx, `DELETE FROM notify_tasks WHERE id=$1`, TaskID(conversationID, start))
	if err != nil {
		return fmt.Errorf("notify: cancel %s: %w", TaskID(conversationID, start), err)
	}
	return nil
}
