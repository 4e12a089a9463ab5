package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/zoombot/internal/db"
)

const dispatchBatch = 25

// Dispatcher polls for due undelivered tasks and POSTs their payloads to
// the notifier endpoint. Failed deliveries stay pending and are retried on
// the next tick.
type Dispatcher struct {
	DB          *db.DB
	NotifierURL string
	Logger      *slog.Logger

	hc *http.Client
}

func NewDispatcher(d *db.DB, notifierURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		DB:          d,
		NotifierURL: notifierURL,
		Logger:      logger,
		hc:          &http.Client{Timeout: 10 * time.Second},
	}
}

// Run drives ticks on the given cron spec (e.g. "@every 10s") until ctx is
// cancelled, then waits for any in-flight tick to finish.
func (d *Dispatcher) Run(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { d.tick(ctx) }); err != nil {
		return fmt.Errorf("notify: invalid dispatch schedule %q: %w", spec, err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

type task struct {
	id       string
	payload  []byte
	attempts int
}

func (d *Dispatcher) tick(ctx context.Context) {
	rows, err := d.DB.Query(ctx, `
SELECT id, payload, attempts
FROM notify_tasks
WHERE delivered_at IS NULL AND run_at <= now()
ORDER BY run_at ASC
LIMIT $1`, dispatchBatch)
	if err != nil {
		d.Logger.Error("notify: due task query failed", "err", err)
		return
	}

	var due []task
	for rows.Next() {
		var t task
		if err := rows.Scan(&t.id, &t.payload, &t.attempts); err != nil {
			rows.Close()
			d.Logger.Error("notify: scan task failed", "err", err)
			return
		}
		due = append(due, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		d.Logger.Error("notify: due task query failed", "err", err)
		return
	}

	for _, t := range due {
		if err := d.deliver(ctx, t); err != nil {
			d.Logger.Error("notify: deliver failed", "task", t.id, "attempt", t.attempts+1, "err", err)
			if _, uerr := d.DB.Exec(ctx, `UPDATE notify_tasks SET attempts=attempts+1, last_error=$2 WHERE id=$1`, t.id, err.Error()); uerr != nil {
				d.Logger.Error("notify: record attempt failed", "task", t.id, "err", uerr)
			}
			continue
		}
		if _, err := d.DB.Exec(ctx, `UPDATE notify_tasks SET delivered_at=now(), attempts=attempts+1, last_error=NULL WHERE id=$1`, t.id); err != nil {
			d.Logger.Error("notify: mark delivered failed", "task", t.id, "err", err)
			continue
		}
		d.Logger.Info("notify: delivered", "task", t.id)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.NotifierURL, bytes.NewReader(t.payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return fmt.Errorf("notifier returned status=%d", res.StatusCode)
	}
	return nil
}
