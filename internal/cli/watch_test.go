package cli

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"replaytasker/internal/dispatcher"
	"replaytasker/internal/job"
	"replaytasker/internal/replay"
	"replaytasker/internal/store"
)

type fakeSource struct {
	stats *job.Stats
	snap  *dispatcher.Snapshot
	err   error
	calls int
}

func (f *fakeSource) Stats(context.Context) (*job.Stats, error) {
	f.calls++
	return f.stats, f.err
}

func (f *fakeSource) Workers(context.Context) (*dispatcher.Snapshot, error) {
	return f.snap, f.err
}

func newFakeSource() *fakeSource {
	now := time.Now()
	return &fakeSource{
		stats: &job.Stats{Counts: store.Counts{All: 5, Pending: 3, Active: 1}, Workers: 1, MaxInstances: 2, Reconciled: true},
		snap: &dispatcher.Snapshot{
			MaxInstances: 2,
			Workers: []replay.Instance{
				{InstanceID: "late", JobID: "B@2", StartedAt: now.Add(-time.Minute)},
				{InstanceID: "early", JobID: "A@1", ContainerID: "0123456789abcdef", StartedAt: now.Add(-time.Hour)},
			},
		},
	}
}

func loaded(t *testing.T, m watchModel) watchModel {
	t.Helper()
	msg := m.fetch()()
	next, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatal("expected a tick to be scheduled after loading")
	}
	return next.(watchModel)
}

func TestWatchModel_LoadsSnapshot(t *testing.T) {
	m := loaded(t, newWatchModel(newFakeSource(), time.Second))

	if m.loading || m.err != nil {
		t.Fatalf("loading=%v err=%v", m.loading, m.err)
	}
	view := m.View()
	for _, want := range []string{"all 5", "pending 3", "workers 1/2", "reconciled", "A@1", "B@2"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	rows := m.workers.Rows()
	if len(rows) != 2 || rows[0][0] != "early" || rows[0][2] != "0123456789ab" {
		t.Errorf("rows not ordered by start time: %v", rows)
	}
}

func TestWatchModel_ErrorKeepsLastSnapshot(t *testing.T) {
	src := newFakeSource()
	m := loaded(t, newWatchModel(src, time.Second))

	src.err = errors.New("connection refused")
	m = loaded(t, m)

	if m.err == nil || m.stats == nil || m.stats.All != 5 {
		t.Fatalf("err=%v stats=%+v", m.err, m.stats)
	}
	if !strings.Contains(m.View(), "connection refused") {
		t.Error("view does not show the error")
	}
}

func TestWatchModel_Keys(t *testing.T) {
	src := newFakeSource()
	m := loaded(t, newWatchModel(src, time.Second))

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m = next.(watchModel)
	if !m.loading || cmd == nil {
		t.Fatal("r should start a refresh")
	}

	// A second refresh while one is in flight is ignored.
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if cmd != nil {
		t.Error("refresh while loading should be a no-op")
	}

	next, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(watchModel)
	if !m.quitting || cmd == nil {
		t.Fatal("q should quit")
	}
	if m.View() != "" {
		t.Error("view should be empty after quitting")
	}
}

func TestWatchModel_TickWhileLoading(t *testing.T) {
	m := newWatchModel(newFakeSource(), time.Second)
	next, cmd := m.Update(watchTickMsg(time.Now()))
	if cmd == nil || !next.(watchModel).loading {
		t.Error("tick during load should reschedule")
	}
}

func TestWatchModel_NoWorkers(t *testing.T) {
	src := newFakeSource()
	src.snap = &dispatcher.Snapshot{MaxInstances: 2}
	src.stats.Reconciled = false
	m := loaded(t, newWatchModel(src, 0))

	if m.interval != defaultWatchInterval {
		t.Errorf("interval = %v", m.interval)
	}
	view := m.View()
	if !strings.Contains(view, "no live workers") || !strings.Contains(view, "not reconciled") {
		t.Errorf("unexpected view:\n%s", view)
	}
}

func TestSweepLine(t *testing.T) {
	line := sweepLine(map[string]dispatcher.SweepStatus{
		"reap":   {Runs: 3},
		"launch": {Runs: 2},
	})
	if strings.Index(line, "launch") > strings.Index(line, "reap") {
		t.Errorf("sweeps not sorted: %q", line)
	}
	if sweepLine(nil) != "" {
		t.Error("empty sweeps should render nothing")
	}
}
