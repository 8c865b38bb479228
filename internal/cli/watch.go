package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"replaytasker/internal/dispatcher"
	"replaytasker/internal/job"
)

const defaultWatchInterval = 2 * time.Second

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// watchSource is the part of Client the dashboard polls.
type watchSource interface {
	Stats(ctx context.Context) (*job.Stats, error)
	Workers(ctx context.Context) (*dispatcher.Snapshot, error)
}

type watchModel struct {
	source   watchSource
	interval time.Duration
	spinner  spinner.Model
	workers  table.Model

	stats    *job.Stats
	snap     *dispatcher.Snapshot
	err      error
	loading  bool
	updated  time.Time
	quitting bool
}

type watchTickMsg time.Time

type watchLoadedMsg struct {
	stats *job.Stats
	snap  *dispatcher.Snapshot
	err   error
	at    time.Time
}

func runWatch(args []string) error {
	fs, common := newFlagSet("watch")
	interval := fs.Duration("interval", defaultWatchInterval, "refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !stdinIsTTY() {
		return errors.New("watch requires an interactive terminal (use stats --json instead)")
	}

	m := newWatchModel(common.client(), *interval)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func newWatchModel(source watchSource, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Instance", Width: 14},
			{Title: "Job", Width: 28},
			{Title: "Container", Width: 14},
			{Title: "Running", Width: 10},
		}),
		table.WithHeight(10),
	)

	return watchModel{
		source:   source,
		interval: interval,
		spinner:  sp,
		workers:  t,
		loading:  true,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m watchModel) fetch() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		stats, err := source.Stats(ctx)
		if err != nil {
			return watchLoadedMsg{err: err, at: time.Now()}
		}
		snap, err := source.Workers(ctx)
		return watchLoadedMsg{stats: stats, snap: snap, err: err, at: time.Now()}
	}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			if m.loading {
				return m, nil
			}
			m.loading = true
			return m, m.fetch()
		}
		var cmd tea.Cmd
		m.workers, cmd = m.workers.Update(msg)
		return m, cmd

	case watchTickMsg:
		if m.loading {
			return m, m.tick()
		}
		m.loading = true
		return m, m.fetch()

	case watchLoadedMsg:
		m.loading = false
		m.updated = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.snap = msg.snap
			m.workers.SetRows(workerRows(msg.snap, msg.at))
		}
		return m, m.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func workerRows(snap *dispatcher.Snapshot, now time.Time) []table.Row {
	if snap == nil {
		return nil
	}
	workers := append(snap.Workers[:0:0], snap.Workers...)
	sort.Slice(workers, func(i, j int) bool { return workers[i].StartedAt.Before(workers[j].StartedAt) })

	rows := make([]table.Row, 0, len(workers))
	for _, w := range workers {
		container := w.ContainerID
		if len(container) > 12 {
			container = container[:12]
		}
		rows = append(rows, table.Row{
			w.InstanceID,
			w.JobID,
			container,
			now.Sub(w.StartedAt).Truncate(time.Second).String(),
		})
	}
	return rows
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("replayctl watch"))
	if m.loading {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n\n")

	if m.stats != nil {
		s := m.stats
		counts := fmt.Sprintf("all %d   pending %d   finished %d   failed %d   broken %d   active %d",
			s.All, s.Pending, s.Finished, s.Failed, s.Broken, s.Active)
		workers := fmt.Sprintf("workers %d/%d", s.Workers, s.MaxInstances)
		if s.Reconciled {
			workers += "   " + watchOKStyle.Render("reconciled")
		} else {
			workers += "   " + watchErrorStyle.Render("not reconciled")
		}
		b.WriteString(watchPanelStyle.Render(counts + "\n" + workers + sweepLine(s.Sweeps)))
		b.WriteString("\n")
	}

	if m.snap != nil {
		if len(m.snap.Workers) == 0 {
			b.WriteString(watchMutedStyle.Render("no live workers"))
		} else {
			b.WriteString(watchPanelStyle.Render(m.workers.View()))
		}
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(watchErrorStyle.Render("error: "+m.err.Error()) + "\n")
	}

	footer := "q quit  r refresh"
	if !m.updated.IsZero() {
		footer += "  updated " + m.updated.Format(time.TimeOnly)
	}
	b.WriteString(watchMutedStyle.Render(footer))
	return b.String()
}

func sweepLine(sweeps map[string]dispatcher.SweepStatus) string {
	if len(sweeps) == 0 {
		return ""
	}
	names := make([]string, 0, len(sweeps))
	for name := range sweeps {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		st := sweeps[name]
		part := fmt.Sprintf("%s x%d", name, st.Runs)
		if st.LastError != "" {
			part = watchErrorStyle.Render(part + " !")
		}
		parts = append(parts, part)
	}
	return "\n" + watchMutedStyle.Render("sweeps ") + strings.Join(parts, "  ")
}
