package store

import (
	"context"
	"database/sql"
	"errors"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/replay"
)

// AddDescription stores the job's description, replacing any previous one.
func (s *SQLStore) AddDescription(ctx context.Context, id, text string) error {
	return s.run(ctx, "store.add_description", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.classify("store.add_description", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM descriptions WHERE id = ?`, id); err != nil {
			return s.classify("store.add_description", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO descriptions (id, description) VALUES (?, ?)`, id, text); err != nil {
			return s.classify("store.add_description", err)
		}
		return s.classify("store.add_description", tx.Commit())
	})
}

// GetDescription returns the job's description.
func (s *SQLStore) GetDescription(ctx context.Context, id string) (*replay.Description, error) {
	d := &replay.Description{JobID: id}
	err := s.run(ctx, "store.get_description", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, `SELECT description FROM descriptions WHERE id = ?`, id).Scan(&d.Text)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("description", id)
		}
		return s.classify("store.get_description", err)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// AddAnnotations appends detected characters for the job.
func (s *SQLStore) AddAnnotations(ctx context.Context, id string, annotations []replay.Annotation) error {
	if len(annotations) == 0 {
		return nil
	}
	return s.run(ctx, "store.add_annotations", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.classify("store.add_annotations", err)
		}
		defer tx.Rollback()

		for _, a := range annotations {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO character_detect (challenge_id, p1_char, p2_char, vid_time, game) VALUES (?, ?, ?, ?, ?)`,
				id, a.P1Char, a.P2Char, a.VidTime, a.Game); err != nil {
				return s.classify("store.add_annotations", err)
			}
		}
		return s.classify("store.add_annotations", tx.Commit())
	})
}

// ListAnnotations returns the job's annotations in insertion order.
func (s *SQLStore) ListAnnotations(ctx context.Context, id string) ([]replay.Annotation, error) {
	var out []replay.Annotation
	err := s.run(ctx, "store.list_annotations", func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT p1_char, p2_char, vid_time, game FROM character_detect WHERE challenge_id = ? ORDER BY row_id`, id)
		if err != nil {
			return s.classify("store.list_annotations", err)
		}
		defer rows.Close()
		for rows.Next() {
			var a replay.Annotation
			if err := rows.Scan(&a.P1Char, &a.P2Char, &a.VidTime, &a.Game); err != nil {
				return s.classify("store.list_annotations", err)
			}
			out = append(out, a)
		}
		return s.classify("store.list_annotations", rows.Err())
	})
	return out, err
}

// AddActive records that a worker picked the job up.
func (s *SQLStore) AddActive(ctx context.Context, rec replay.ActiveRecord) error {
	if rec.StartTime.IsZero() {
		rec.StartTime = now()
	}
	return s.run(ctx, "store.add_active", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO active_jobs (id, start_time, length) VALUES (?, ?, ?)`,
			rec.JobID, rec.StartTime.UTC(), rec.Length)
		if err != nil && s.dialect.isDuplicate(err) {
			return apperrors.DuplicateID("active job", rec.JobID)
		}
		return s.classify("store.add_active", err)
	})
}

// ClearActive removes the job's active record. A job still in JOB_ADDED moves
// to REMOVED_JOB so the stray pickup stays visible.
func (s *SQLStore) ClearActive(ctx context.Context, id string) error {
	return s.run(ctx, "store.clear_active", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.classify("store.clear_active", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `DELETE FROM active_jobs WHERE id = ?`, id); err != nil {
			return s.classify("store.clear_active", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE replays SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(replay.StatusRemovedJob), now(), id, string(replay.StatusJobAdded)); err != nil {
			return s.classify("store.clear_active", err)
		}
		return s.classify("store.clear_active", tx.Commit())
	})
}

// ListActive returns the active records, oldest first.
func (s *SQLStore) ListActive(ctx context.Context) ([]replay.ActiveRecord, error) {
	var out []replay.ActiveRecord
	err := s.run(ctx, "store.list_active", func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `SELECT id, start_time, length FROM active_jobs ORDER BY start_time`)
		if err != nil {
			return s.classify("store.list_active", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r replay.ActiveRecord
			if err := rows.Scan(&r.JobID, &r.StartTime, &r.Length); err != nil {
				return s.classify("store.list_active", err)
			}
			out = append(out, r)
		}
		return s.classify("store.list_active", rows.Err())
	})
	return out, err
}
