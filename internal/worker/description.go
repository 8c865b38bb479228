package worker

import (
	"fmt"
	"slices"
	"strings"

	"replaytasker/internal/replay"
)

const (
	maxTitleLength = 100
	replayDate     = "2006-01-02 15:04:05"
)

// Describe builds the published description: participants, replay id,
// one chapter line per detected pairing, hashtags and an optional footer.
func Describe(job *replay.Job, annotations []replay.Annotation, footer string) string {
	m := job.Match
	var b strings.Builder

	if len(annotations) > 0 {
		fmt.Fprintf(&b, "(%s) %s (Rank %s) vs (%s) %s (Rank %s) - %s",
			m.P1Loc, m.P1, replay.RankLetter(m.P1Rank),
			m.P2Loc, m.P2, replay.RankLetter(m.P2Rank),
			m.DateReplay.Format(replayDate))
	} else {
		fmt.Fprintf(&b, "(%s) %s vs (%s) %s - %s", m.P1Loc, m.P1, m.P2Loc, m.P2, m.DateReplay.Format(replayDate))
	}
	fmt.Fprintf(&b, "\nFightcade replay id: %s", job.ID)

	tags := []string{m.P1, m.P2}
	for i, a := range annotations {
		at := "0:00"
		if i > 0 {
			at = strings.TrimPrefix(a.VidTime, "0:")
		}
		fmt.Fprintf(&b, "\n%s %s vs %s", at, a.P1Char, a.P2Char)
		tags = append(tags, a.P1Char, a.P2Char)
	}

	fmt.Fprintf(&b, "\n#fightcade\n#%s", m.Game)
	for _, tag := range hashtags(tags) {
		b.WriteString("\n#" + tag)
	}

	if footer != "" {
		b.WriteString("\n" + footer)
	}
	return b.String()
}

// hashtags removes spaces, drops empties and duplicates, and sorts.
func hashtags(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if t = strings.ReplaceAll(t, " ", ""); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Title is the video title, trimmed to what video platforms accept.
func Title(job *replay.Job) string {
	m := job.Match
	title := fmt.Sprintf("%s: %s (%s, Rank %s) vs %s (%s, Rank %s)",
		m.Game, m.P1, m.P1Loc, replay.RankLetter(m.P1Rank), m.P2, m.P2Loc, replay.RankLetter(m.P2Rank))
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength-1])
	}
	return title
}
