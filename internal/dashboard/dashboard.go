// Package dashboard renders a live terminal view of a running servicebusd
// by polling its admin API.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hupe1980/servicebus"
)

// Fetcher loads the current kernel status.
type Fetcher func(ctx context.Context) (servicebus.Status, error)

// HTTPFetcher polls GET /status on the admin API at addr.
func HTTPFetcher(client *http.Client, addr string) Fetcher {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return func(ctx context.Context) (servicebus.Status, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
		if err != nil {
			return servicebus.Status{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return servicebus.Status{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return servicebus.Status{}, fmt.Errorf("status endpoint answered %d", resp.StatusCode)
		}
		var st servicebus.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return servicebus.Status{}, fmt.Errorf("decode status: %w", err)
		}
		return st, nil
	}
}

// Run shows the dashboard until the user quits.
func Run(fetch Fetcher, interval time.Duration) error {
	p := tea.NewProgram(newModel(fetch, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type statusMsg struct {
	status servicebus.Status
	err    error
	at     time.Time
}

type tickMsg time.Time

type model struct {
	theme    Theme
	fetch    Fetcher
	interval time.Duration

	services table.Model
	status   servicebus.Status
	err      error
	updated  time.Time
	loaded   bool
}

func newModel(fetch Fetcher, interval time.Duration) model {
	if interval <= 0 {
		interval = time.Second
	}
	t := table.New(
		table.WithColumns([]table.Column{{Title: "Service", Width: 24}}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	t.SetStyles(styles)

	return model{
		theme:    DefaultTheme(),
		fetch:    fetch,
		interval: interval,
		services: t,
	}
}

func (m model) Init() tea.Cmd { return m.poll() }

func (m model) poll() tea.Cmd {
	fetch := m.fetch
	timeout := m.interval
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		st, err := fetch(ctx)
		return statusMsg{status: st, err: err, at: time.Now()}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}

	case tea.WindowSizeMsg:
		m.services.SetHeight(max(3, msg.Height-20))
		return m, nil

	case tickMsg:
		return m, m.poll()

	case statusMsg:
		m.err = msg.err
		m.updated = msg.at
		if msg.err == nil {
			m.status = msg.status
			m.loaded = true
			rows := make([]table.Row, 0, len(msg.status.Bus.Services))
			for _, id := range msg.status.Bus.Services {
				rows = append(rows, table.Row{id})
			}
			m.services.SetRows(rows)
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.services, cmd = m.services.Update(msg)
	return m, cmd
}

func (m model) View() string {
	wrap := lipgloss.NewStyle().Padding(1, 2)
	header := m.theme.Title.Render("servicebus") + "\n" +
		m.theme.Subtitle.Render(fmt.Sprintf("refresh %s • last update %s", m.interval, m.updated.Format(time.TimeOnly))) + "\n"

	var errLine string
	if m.err != nil {
		errLine = m.theme.Error.Render("fetch failed: "+m.err.Error()) + "\n"
	}
	if !m.loaded {
		return wrap.Render(header + "\n" + errLine + "waiting for status…")
	}

	st := m.status
	busCard := m.theme.Card.Render(m.theme.Title.Render("Bus") + "\n" + pairs(
		"state", stateLabel(st),
		"queued", fmt.Sprintf("%d / %d", st.Bus.Queued, st.Bus.Capacity),
		"in flight", fmt.Sprint(st.Bus.InFlight),
		"workers", fmt.Sprint(st.Bus.Workers),
		"dispatched", fmt.Sprint(st.Bus.Dispatched),
		"failed", fmt.Sprint(st.Bus.Failed),
		"rejected", fmt.Sprint(st.Bus.Rejected),
		"dead letters", fmt.Sprint(st.Bus.DeadLetters),
	))
	orchCard := m.theme.Card.Render(m.theme.Title.Render("Orchestration") + "\n" + pairs(
		"active", fmt.Sprint(st.Orchestration.Active),
		"remaining", fmt.Sprint(st.Orchestration.Remaining),
		"issued", fmt.Sprint(st.Orchestration.Issued),
		"replied", fmt.Sprint(st.Orchestration.Replied),
		"completed", fmt.Sprint(st.Orchestration.Completed),
		"dead lettered", fmt.Sprint(st.Orchestration.DeadLettered),
	))
	clientCard := m.theme.Card.Render(m.theme.Title.Render("Clients") + "\n" + pairs(
		"pending", fmt.Sprint(st.Clients.Pending),
		"delivered", fmt.Sprint(st.Clients.Delivered),
		"unclaimed", fmt.Sprint(st.Clients.Unclaimed),
		"sensors", strings.Join(st.Sensors, ", "),
	))

	cards := lipgloss.JoinHorizontal(lipgloss.Top, busCard, orchCard, clientCard)
	help := m.theme.Help.Render("↑/↓ scroll services • r refresh • q quit")
	return wrap.Render(header + errLine + "\n" + cards + "\n" + m.theme.Card.Render(m.services.View()) + "\n" + help)
}

func stateLabel(st servicebus.Status) string {
	if st.Bus.Paused {
		return st.Bus.State.String() + " (paused)"
	}
	return st.Bus.State.String()
}

func pairs(kv ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, "%-14s %s\n", kv[i], kv[i+1])
	}
	return strings.TrimRight(b.String(), "\n")
}
