package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/replay"
)

const replayColumns = `id, status, created, failed, fail_count, player_requested, date_added, updated_at,
	video_processed, ia_filename, youtube_id, youtube_uploaded,
	p1, p2, p1_loc, p2_loc, p1_rank, p2_rank, game, emulator, date_replay, length`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*replay.Job, error) {
	var (
		j          replay.Job
		status     string
		failCount  sql.NullInt64
		dateReplay sql.NullTime
	)
	err := row.Scan(&j.ID, &status, &j.Created, &j.Failed, &failCount, &j.PlayerRequested, &j.DateAdded, &j.UpdatedAt,
		&j.VideoProcessed, &j.ArchiveFilename, &j.YouTubeID, &j.YouTubeUploaded,
		&j.Match.P1, &j.Match.P2, &j.Match.P1Loc, &j.Match.P2Loc, &j.Match.P1Rank, &j.Match.P2Rank,
		&j.Match.Game, &j.Match.Emulator, &dateReplay, &j.Match.Length)
	if err != nil {
		return nil, err
	}
	j.Status = replay.Status(status)
	if failCount.Valid {
		j.FailCount = int(failCount.Int64)
	}
	if dateReplay.Valid {
		j.Match.DateReplay = dateReplay.Time
	}
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]replay.Job, error) {
	defer rows.Close()
	var jobs []replay.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Enqueue inserts a new job in ADDED. The job's pipeline fields are reset;
// only the id, priority flag, date and match metadata are taken from it.
func (s *SQLStore) Enqueue(ctx context.Context, job *replay.Job) error {
	if err := replay.ValidateNew(job); err != nil {
		return err
	}
	ts := now()
	if job.DateAdded.IsZero() {
		job.DateAdded = ts
	}
	job.DateAdded = job.DateAdded.UTC()
	job.Status = replay.StatusAdded
	job.Created, job.Failed, job.FailCount = false, false, 0
	job.VideoProcessed, job.YouTubeUploaded = false, false
	job.ArchiveFilename, job.YouTubeID = "", ""
	job.UpdatedAt = ts

	attempt := 0
	return s.run(ctx, "store.enqueue", func(ctx context.Context) error {
		attempt++
		return s.insert(ctx, job, attempt > 1)
	})
}

// insert writes the prepared row. On a retried attempt a duplicate id whose
// row carries this job's own updated_at is the earlier attempt's commit.
func (s *SQLStore) insert(ctx context.Context, job *replay.Job, retried bool) error {
	m := job.Match
	_, err := s.db.ExecContext(ctx, `INSERT INTO replays (`+replayColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), false, false, 0, job.PlayerRequested, job.DateAdded, job.UpdatedAt,
		false, "", "", false,
		m.P1, m.P2, m.P1Loc, m.P2Loc, m.P1Rank, m.P2Rank, m.Game, m.Emulator, nullTime(m.DateReplay), m.Length)
	if err == nil || !s.dialect.isDuplicate(err) {
		return s.classify("store.enqueue", err)
	}
	if retried {
		existing, gerr := scanJob(s.db.QueryRowContext(ctx, `SELECT `+replayColumns+` FROM replays WHERE id = ?`, job.ID))
		if gerr == nil && existing.Status == replay.StatusAdded && existing.UpdatedAt.Equal(job.UpdatedAt) {
			return nil
		}
	}
	return apperrors.DuplicateID("replay", job.ID)
}

// Get returns the job with the given id.
func (s *SQLStore) Get(ctx context.Context, id string) (*replay.Job, error) {
	var job *replay.Job
	err := s.run(ctx, "store.get", func(ctx context.Context) error {
		j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+replayColumns+` FROM replays WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("replay", id)
		}
		if err != nil {
			return s.classify("store.get", err)
		}
		job = j
		return nil
	})
	return job, err
}

// NextEligible returns the best eligible job under sel, skipping the ids in
// exclude. It returns nil when nothing is eligible. The job is not claimed.
func (s *SQLStore) NextEligible(ctx context.Context, sel replay.Selection, exclude []string) (*replay.Job, error) {
	where := `status = ? AND failed = ? AND created = ?`
	args := []any{string(replay.StatusAdded), false, false}
	if len(exclude) > 0 {
		where += ` AND id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}

	var job *replay.Job
	err := s.run(ctx, "store.next_eligible", func(ctx context.Context) error {
		job = nil
		if sel.PriorityFirst {
			j, err := s.selectOne(ctx, where+` AND player_requested = ?`, `date_added DESC`, append(args, true)...)
			if err != nil {
				return err
			}
			if j != nil {
				job = j
				return nil
			}
		}

		order := `date_added DESC`
		switch sel.Order {
		case replay.OrderOldest:
			order = `date_added ASC`
		case replay.OrderRandom:
			order = s.dialect.random
		}
		j, err := s.selectOne(ctx, where, order, args...)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

func (s *SQLStore) selectOne(ctx context.Context, where, order string, args ...any) (*replay.Job, error) {
	q := `SELECT ` + replayColumns + ` FROM replays WHERE ` + where + ` ORDER BY ` + order + ` LIMIT 1`
	j, err := scanJob(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.classify("store.next_eligible", err)
	}
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// update runs a single-row UPDATE that also stamps updated_at.
func (s *SQLStore) update(ctx context.Context, op, id, set string, args ...any) error {
	return s.updateRow(ctx, op, id, set+`, updated_at = ?`, append(args, now())...)
}

// updateRow runs a single-row UPDATE and reports NotFound when no row matched.
func (s *SQLStore) updateRow(ctx context.Context, op, id, set string, args ...any) error {
	return s.run(ctx, op, func(ctx context.Context) error {
		q := `UPDATE replays SET ` + set + ` WHERE id = ?`
		res, err := s.db.ExecContext(ctx, q, append(args, id)...)
		if err != nil {
			return s.classify(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return s.classify(op, err)
		}
		if n == 0 {
			return apperrors.NotFound("replay", id)
		}
		return nil
	})
}

// Transition overwrites the job's status. Writing the current status again
// leaves the row untouched, updated_at included.
// Ordering rules are enforced by the writer through replay.ValidateTransition.
func (s *SQLStore) Transition(ctx context.Context, id string, status replay.Status) error {
	if !replay.IsKnown(status) {
		return apperrors.Validation("status", "unknown status "+string(status))
	}
	// updated_at comes first: MySQL evaluates assignments left to right.
	return s.updateRow(ctx, "store.transition", id,
		`updated_at = CASE WHEN status = ? THEN updated_at ELSE ? END, status = ?`,
		string(status), now(), string(status))
}

// MarkFailed flags the job failed, bumps fail_count and moves it to FAILED.
// fail_count moves once per failure: a job already flagged failed keeps its
// count until Requeue clears the flag, so a retried write cannot count twice.
func (s *SQLStore) MarkFailed(ctx context.Context, id string) error {
	// fail_count reads failed before it is set: MySQL evaluates assignments left to right.
	return s.update(ctx, "store.mark_failed", id,
		`fail_count = CASE WHEN failed THEN fail_count ELSE COALESCE(fail_count, 0) + 1 END, failed = ?, status = ?`,
		true, string(replay.StatusFailed))
}

// MarkCreated records successful completion.
func (s *SQLStore) MarkCreated(ctx context.Context, id string) error {
	return s.update(ctx, "store.mark_created", id, `created = ?, status = ?`, true, string(replay.StatusFinished))
}

// SetPlayerRequested sets the priority flag.
func (s *SQLStore) SetPlayerRequested(ctx context.Context, id string, requested bool) error {
	return s.update(ctx, "store.set_player_requested", id, `player_requested = ?`, requested)
}

// SetArchiveFilename records the long-term storage reference.
func (s *SQLStore) SetArchiveFilename(ctx context.Context, id, filename string) error {
	return s.update(ctx, "store.set_archive_filename", id, `ia_filename = ?`, filename)
}

// SetYouTube records the video platform reference and whether the upload went through.
func (s *SQLStore) SetYouTube(ctx context.Context, id, youtubeID string, uploaded bool) error {
	return s.update(ctx, "store.set_youtube", id, `youtube_id = ?, youtube_uploaded = ?`, youtubeID, uploaded)
}

// MarkProcessed records that the publishing backend confirmed the video.
func (s *SQLStore) MarkProcessed(ctx context.Context, id string) error {
	return s.update(ctx, "store.mark_processed", id, `video_processed = ?, date_added = ?`, true, now())
}

// Requeue resets a job to ADDED and drops everything a previous attempt produced.
// fail_count is kept.
func (s *SQLStore) Requeue(ctx context.Context, id string) error {
	return s.run(ctx, "store.requeue", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.classify("store.requeue", err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `UPDATE replays SET failed = ?, created = ?, status = ?, updated_at = ? WHERE id = ?`,
			false, false, string(replay.StatusAdded), now(), id)
		if err != nil {
			return s.classify("store.requeue", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return s.classify("store.requeue", err)
		} else if n == 0 {
			return apperrors.NotFound("replay", id)
		}
		if err := deleteAssociated(ctx, tx, id); err != nil {
			return s.classify("store.requeue", err)
		}
		return s.classify("store.requeue", tx.Commit())
	})
}

// Delete removes the job and every row associated with it.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.run(ctx, "store.delete", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return s.classify("store.delete", err)
		}
		defer tx.Rollback()

		if err := deleteAssociated(ctx, tx, id); err != nil {
			return s.classify("store.delete", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM replays WHERE id = ?`, id)
		if err != nil {
			return s.classify("store.delete", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return s.classify("store.delete", err)
		} else if n == 0 {
			return apperrors.NotFound("replay", id)
		}
		return s.classify("store.delete", tx.Commit())
	})
}

func deleteAssociated(ctx context.Context, tx *sql.Tx, id string) error {
	for _, q := range []string{
		`DELETE FROM descriptions WHERE id = ?`,
		`DELETE FROM character_detect WHERE challenge_id = ?`,
		`DELETE FROM active_jobs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}
