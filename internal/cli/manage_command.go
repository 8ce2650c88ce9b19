package cli

import (
	"flag"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"anipipe/internal/model"
	"anipipe/internal/queue"
	"anipipe/internal/store"
)

type manageMode int

const (
	manageModeBrowse manageMode = iota
	manageModeFilter
	manageModeConfirmRemove
)

var (
	manageTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	manageMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	manageErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	manageOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	manageSelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	manageFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	manageDoneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type manageModel struct {
	queue  *queue.Queue
	items  []model.WorkItem
	cursor int
	mode   manageMode
	filter textinput.Model
	height int

	confirmIdentity string
	statusMessage   string
	fatalErr        error
}

func runManage(args []string) error {
	fs := flag.NewFlagSet("manage", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := loadAppConfig()
	if err != nil {
		return err
	}
	cfg := env.cfg

	lock, err := store.AcquireStateLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}

	filter := textinput.New()
	filter.Placeholder = "filter by identity"
	m := manageModel{queue: q, filter: filter}
	m.reload()

	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(manageModel); ok && fm.fatalErr != nil {
		return fm.fatalErr
	}
	return nil
}

func (m *manageModel) reload() {
	snap := m.queue.Snapshot()
	needle := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	items := make([]model.WorkItem, 0, len(snap.Items))
	for _, it := range snap.Items {
		if needle != "" && !strings.Contains(strings.ToLower(it.Identity), needle) {
			continue
		}
		items = append(items, it)
	}
	m.items = items
	if m.cursor >= len(m.items) {
		m.cursor = len(m.items) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m manageModel) Init() tea.Cmd {
	return nil
}

func (m manageModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch m.mode {
		case manageModeFilter:
			return m.updateFilter(msg)
		case manageModeConfirmRemove:
			return m.updateConfirm(msg)
		default:
			return m.updateBrowse(msg)
		}
	}
	return m, nil
}

func (m manageModel) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "/":
		m.mode = manageModeFilter
		m.filter.Focus()
		return m, textinput.Blink
	case "r":
		if it, ok := m.selected(); ok {
			if it.State != model.StateFailed {
				m.statusMessage = manageErrorStyle.Render("only failed items can be requeued")
				return m, nil
			}
			if err := m.queue.Requeue(it.Identity, "operator_requeue"); err != nil {
				m.statusMessage = manageErrorStyle.Render(err.Error())
				return m, nil
			}
			m.statusMessage = manageOKStyle.Render("requeued " + it.Identity)
			m.reload()
		}
	case "x":
		if it, ok := m.selected(); ok {
			if it.State != model.StateDone && it.State != model.StateFailed {
				m.statusMessage = manageErrorStyle.Render("only done or failed items can be removed")
				return m, nil
			}
			m.confirmIdentity = it.Identity
			m.mode = manageModeConfirmRemove
		}
	case "R":
		m.reload()
		m.statusMessage = manageMutedStyle.Render("refreshed")
	}
	return m, nil
}

func (m manageModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc":
		m.mode = manageModeBrowse
		m.filter.Blur()
		m.reload()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.reload()
	return m, cmd
}

func (m manageModel) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		if err := m.queue.Remove(m.confirmIdentity); err != nil {
			m.statusMessage = manageErrorStyle.Render(err.Error())
		} else {
			m.statusMessage = manageOKStyle.Render("removed " + m.confirmIdentity)
		}
		m.confirmIdentity = ""
		m.mode = manageModeBrowse
		m.reload()
	case "n", "N", "esc", "q":
		m.confirmIdentity = ""
		m.mode = manageModeBrowse
	}
	return m, nil
}

func (m manageModel) selected() (model.WorkItem, bool) {
	if m.cursor < 0 || m.cursor >= len(m.items) {
		return model.WorkItem{}, false
	}
	return m.items[m.cursor], true
}

func (m manageModel) View() string {
	var b strings.Builder
	snap := m.queue.Snapshot()
	b.WriteString(manageTitleStyle.Render("anipipe queue"))
	b.WriteString(manageMutedStyle.Render(fmt.Sprintf("  %d pending / %d in progress / %d done / %d failed\n\n",
		snap.Pending, snap.InProgress, snap.Done, snap.Failed)))

	if m.mode == manageModeFilter {
		b.WriteString("filter: " + m.filter.View() + "\n\n")
	}

	if len(m.items) == 0 {
		b.WriteString(manageMutedStyle.Render("queue is empty\n"))
	}
	for i, it := range m.items {
		line := fmt.Sprintf("%-40s %-12s %-11s %8s",
			clip(it.Identity, 40), it.Kind, it.State, humanize.IBytes(uint64(it.SizeHint)))
		if it.State == model.StateFailed && it.Reason != "" {
			line += "  " + clip(it.Reason, 48)
		}
		switch {
		case i == m.cursor:
			b.WriteString(manageSelStyle.Render(line))
		case it.State == model.StateFailed:
			b.WriteString(manageFailStyle.Render(line))
		case it.State == model.StateDone:
			b.WriteString(manageDoneStyle.Render(line))
		default:
			b.WriteString(line)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.mode == manageModeConfirmRemove {
		b.WriteString(manageErrorStyle.Render(fmt.Sprintf("remove %s from the queue? (y/n)", m.confirmIdentity)))
	} else {
		b.WriteString(manageMutedStyle.Render("r requeue failed · x remove · / filter · R refresh · q quit"))
	}
	if m.statusMessage != "" {
		b.WriteString("\n" + m.statusMessage)
	}
	b.WriteString("\n")
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
