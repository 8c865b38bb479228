package store

import (
	"context"
	"database/sql"
	"time"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/replay"
)

// View names a bounded, read-only listing.
type View string

const (
	ViewFailed      View = "failed"
	ViewBroken      View = "broken"
	ViewPending     View = "pending"
	ViewQueued      View = "queued"
	ViewFinished    View = "finished"
	ViewPlayer      View = "player"
	ViewUnprocessed View = "unprocessed"
)

// Listing limits
const (
	DefaultLimit = 10
	MaxLimit     = 1000
)

type viewQuery struct {
	where string
	args  []any
	order string
}

var views = map[View]viewQuery{
	ViewFailed: {`failed = ?`, []any{true}, `date_added DESC, id`},
	ViewBroken: {`status NOT IN (?, ?) AND failed = ?`,
		[]any{string(replay.StatusAdded), string(replay.StatusFinished), false}, `updated_at ASC, id`},
	ViewPending:     {`status = ? AND failed = ? AND created = ?`, []any{string(replay.StatusAdded), false, false}, `date_added DESC, id`},
	ViewQueued:      {`created = ? AND failed = ?`, []any{false, false}, `date_added DESC, id`},
	ViewFinished:    {`created = ? AND failed = ?`, []any{true, false}, `date_added DESC, id`},
	ViewPlayer:      {`player_requested = ? AND created = ? AND failed = ?`, []any{true, false, false}, `date_added ASC, id`},
	ViewUnprocessed: {`created = ? AND failed = ? AND video_processed = ?`, []any{true, false, false}, `date_added ASC, id`},
}

// ParseView validates a view name.
func ParseView(s string) (View, error) {
	v := View(s)
	if _, ok := views[v]; !ok {
		return "", apperrors.Validation("view", "unknown view "+s)
	}
	return v, nil
}

// List returns up to limit jobs in the given view.
func (s *SQLStore) List(ctx context.Context, view View, limit int) ([]replay.Job, error) {
	return s.ListPage(ctx, view, 0, limit)
}

// ListPage returns up to limit jobs in the given view after skipping offset.
// Every view ends its ordering on id, so pages do not overlap while the view is unchanged.
func (s *SQLStore) ListPage(ctx context.Context, view View, offset, limit int) ([]replay.Job, error) {
	vq, ok := views[view]
	if !ok {
		return nil, apperrors.Validation("view", "unknown view "+string(view))
	}
	if offset < 0 {
		return nil, apperrors.Validation("offset", "offset must not be negative")
	}
	return s.list(ctx, "store.list_"+string(view), vq.where, vq.order, offset, limit, vq.args...)
}

// ListStuck returns jobs sitting in an intermediate stage, not failed, that
// have not been written since before the cutoff.
func (s *SQLStore) ListStuck(ctx context.Context, before time.Time, limit int) ([]replay.Job, error) {
	vq := views[ViewBroken]
	args := append(append([]any{}, vq.args...), before.UTC())
	return s.list(ctx, "store.list_stuck", vq.where+` AND updated_at < ?`, vq.order, 0, limit, args...)
}

func (s *SQLStore) list(ctx context.Context, op, where, order string, offset, limit int, args ...any) ([]replay.Job, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	q := `SELECT ` + replayColumns + ` FROM replays WHERE ` + where + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(append([]any{}, args...), limit, offset)

	var jobs []replay.Job
	err := s.run(ctx, op, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return s.classify(op, err)
		}
		jobs, err = scanJobs(rows)
		return s.classify(op, err)
	})
	return jobs, err
}

// Counts are the aggregate projections operators watch.
type Counts struct {
	All      int `json:"all"`
	Failed   int `json:"failed"`
	Broken   int `json:"broken"`
	Pending  int `json:"pending"`
	Finished int `json:"finished"`
	Active   int `json:"active"`
}

// Counts computes all aggregates in one pass over the table.
func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.run(ctx, "store.counts", func(ctx context.Context) error {
		var failed, broken, pending, finished sql.NullInt64
		err := s.db.QueryRowContext(ctx, `SELECT
				COUNT(*),
				SUM(CASE WHEN failed = ? THEN 1 ELSE 0 END),
				SUM(CASE WHEN status NOT IN (?, ?) AND failed = ? THEN 1 ELSE 0 END),
				SUM(CASE WHEN created = ? AND failed = ? THEN 1 ELSE 0 END),
				SUM(CASE WHEN created = ? AND failed = ? THEN 1 ELSE 0 END)
			FROM replays`,
			true,
			string(replay.StatusAdded), string(replay.StatusFinished), false,
			false, false,
			true, false,
		).Scan(&c.All, &failed, &broken, &pending, &finished)
		if err != nil {
			return s.classify("store.counts", err)
		}
		c.Failed, c.Broken = int(failed.Int64), int(broken.Int64)
		c.Pending, c.Finished = int(pending.Int64), int(finished.Int64)

		return s.classify("store.counts",
			s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM active_jobs`).Scan(&c.Active))
	})
	return c, err
}
