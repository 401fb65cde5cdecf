package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/carrier-bridge/client"
	"github.com/wippyai/carrier-bridge/event"
	"github.com/wippyai/carrier-bridge/handle"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

var monitorColumns = []table.Column{
	{Title: "channel", Width: 16},
	{Title: "published", Width: 10},
	{Title: "queued", Width: 7},
	{Title: "backlog drop", Width: 12},
	{Title: "delivered", Width: 10},
	{Title: "dropped", Width: 8},
	{Title: "ignored", Width: 8},
	{Title: "panics", Width: 7},
}

func newMonitorCmd() *cobra.Command {
	var (
		refresh time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch per-channel event counters while the demo runs",
		Long: `Runs the demo in the background and shows, for every event channel, what the
router published and queued and what the client dispatcher delivered, dropped
or ignored, plus live handle counts.

Without a terminal the demo runs to completion and a single snapshot is printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			d := newDemo(cfg, io.Discard)
			defer d.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if !term.IsTerminal(int(os.Stdout.Fd())) {
				runErr := d.run(ctx)
				fmt.Fprint(cmd.OutOrStdout(), renderStatic(d))
				return runErr
			}

			p := tea.NewProgram(newMonitorModel(ctx, d, refresh), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh-interval", 250*time.Millisecond, "Dashboard refresh interval")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up if the demo has not finished")
	return cmd
}

type monitorModel struct {
	ctx      context.Context
	err      error
	d        *demo
	table    table.Model
	handles  string
	interval time.Duration
	done     bool
}

type tickMsg time.Time

type demoDoneMsg struct {
	err error
}

func newMonitorModel(ctx context.Context, d *demo, interval time.Duration) *monitorModel {
	t := table.New(
		table.WithColumns(monitorColumns),
		table.WithHeight(len(event.Channels())+1),
	)
	m := &monitorModel{ctx: ctx, d: d, table: t, interval: interval}
	m.refresh()
	return m
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.tick(), m.runDemo)
}

func (m *monitorModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) runDemo() tea.Msg {
	return demoDoneMsg{err: m.d.run(m.ctx)}
}

func (m *monitorModel) refresh() {
	m.table.SetRows(channelRows(m.d))
	m.handles = handleCounts(m.d)
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.refresh()
		return m, m.tick()
	case demoDoneMsg:
		m.done = true
		m.err = msg.err
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *monitorModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Carrier Bridge"))
	b.WriteString(" ")
	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render("demo failed: " + m.err.Error()))
	case m.done:
		b.WriteString(okStyle.Render("demo finished"))
	default:
		b.WriteString("demo running")
	}
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\nhandles: ")
	b.WriteString(m.handles)
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("↑/↓ scroll • q quit"))
	return b.String()
}

func channelRows(d *demo) []table.Row {
	dispatch := make(map[string]client.Stats)
	for _, s := range d.c.Stats() {
		dispatch[s.Channel.String()] = s
	}

	var rows []table.Row
	for _, s := range d.b.Router().Snapshot() {
		c := dispatch[s.Channel.String()]
		rows = append(rows, table.Row{
			s.Channel.String(),
			strconv.FormatUint(s.Published, 10),
			strconv.Itoa(s.Queued),
			strconv.FormatUint(s.Dropped, 10),
			strconv.FormatUint(c.Delivered, 10),
			strconv.FormatUint(c.Dropped, 10),
			strconv.FormatUint(c.Ignored, 10),
			strconv.FormatUint(c.Panics, 10),
		})
	}
	return rows
}

func handleCounts(d *demo) string {
	counts := d.b.Counts()
	parts := make([]string, 0, len(counts))
	for _, c := range handle.Categories() {
		parts = append(parts, fmt.Sprintf("%s=%d", c, counts[c]))
	}
	return strings.Join(parts, " ")
}

func renderStatic(d *demo) string {
	var b strings.Builder
	for i, col := range monitorColumns {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%-*s", col.Width, col.Title)
	}
	b.WriteByte('\n')
	for _, row := range channelRows(d) {
		for i, cell := range row {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%-*s", monitorColumns[i].Width, cell)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nhandles: %s\n", handleCounts(d))
	return b.String()
}
