package replay

import (
	"fmt"
	"strings"

	"replaytasker/internal/apperrors"
)

// Validation limits
const (
	maxIDLength = 128
	maxRank     = 6
)

// Action is the escalation decision for a failed job.
type Action int

const (
	ActionNone Action = iota
	ActionRequeue
	ActionAbandon
)

func (a Action) String() string {
	switch a {
	case ActionRequeue:
		return "requeue"
	case ActionAbandon:
		return "abandon"
	default:
		return "none"
	}
}

// Escalate decides what the retry sweep does with a job.
// Jobs that have not failed are left alone. A failed job below maxFails is
// requeued; otherwise it is abandoned and the returned error says why.
func Escalate(job *Job, maxFails int) (Action, error) {
	if !job.Failed {
		return ActionNone, nil
	}
	if job.FailCount < maxFails {
		return ActionRequeue, nil
	}
	return ActionAbandon, apperrors.RetryBudgetExhausted(job.ID, job.FailCount, maxFails)
}

// Moderate checks both participant names against the disallowed terms.
// Matching is a case-insensitive substring test.
func Moderate(jobID string, m Match, terms []string) error {
	for _, player := range []string{m.P1, m.P2} {
		name := strings.ToLower(player)
		for _, term := range terms {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			if strings.Contains(name, term) {
				return apperrors.ModerationRejected(jobID, player, term)
			}
		}
	}
	return nil
}

var rankLetters = []string{"?", "E", "D", "C", "B", "A", "S"}

// RankLetter maps a numeric rank (0..6) to its display letter.
func RankLetter(rank int) string {
	if rank < 0 || rank >= len(rankLetters) {
		return "?"
	}
	return rankLetters[rank]
}

// ValidateNew checks a job submitted for enqueue. Does not modify the job.
func ValidateNew(job *Job) error {
	if job.ID == "" {
		return apperrors.Validation("id", "replay ID is required")
	}
	if len(job.ID) > maxIDLength {
		return apperrors.Validation("id", fmt.Sprintf("replay ID exceeds maximum length of %d", maxIDLength))
	}
	if strings.ContainsAny(job.ID, " \t\r\n/") {
		return apperrors.Validation("id", "replay ID must not contain whitespace or '/'")
	}
	if job.Match.P1Rank < 0 || job.Match.P1Rank > maxRank || job.Match.P2Rank < 0 || job.Match.P2Rank > maxRank {
		return apperrors.Validation("match", fmt.Sprintf("player rank must be between 0 and %d", maxRank))
	}
	if job.Match.Length < 0 {
		return apperrors.Validation("match.length", "length must not be negative")
	}
	return nil
}
