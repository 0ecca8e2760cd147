// Package main provides a terminal dashboard for watching a running
// orchestrator: it polls the unauthenticated, localhost-only admin stats
// endpoint on an interval and renders the result with bubbletea/lipgloss,
// the same stack the main binary's go.mod already carries for a TUI
// (charmbracelet/bubbletea, charmbracelet/lipgloss). Graceful stop still
// goes through the authenticated main API address, never the stats one.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(22)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type healthSnapshot struct {
	OK                  bool     `json:"ok"`
	Running             bool     `json:"running"`
	Recovering          bool     `json:"recovering"`
	Engine              string   `json:"engine"`
	BrowserConnected    bool     `json:"browserConnected"`
	ConsecutiveFailures int      `json:"consecutiveFailures"`
	ActiveOps           int      `json:"activeOps"`
	PoolSize            int      `json:"poolSize"`
	ActiveUserIds       []string `json:"activeUserIds"`
	ProfileDirsTotal    int      `json:"profileDirsTotal"`
}

type tickMsg time.Time

type healthMsg struct {
	snap healthSnapshot
	err  error
}

type stoppedMsg struct{ err error }

type model struct {
	statsAddr  string
	apiAddr    string
	adminKey   string
	client     *http.Client
	snap       healthSnapshot
	lastErr    error
	lastPolled time.Time
	stopping   bool
	quitting   bool
}

func initialModel(statsAddr, apiAddr, adminKey string) model {
	return model{
		statsAddr: statsAddr,
		apiAddr:   apiAddr,
		adminKey:  adminKey,
		client:    &http.Client{Timeout: 3 * time.Second},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(fmt.Sprintf("http://%s/stats", m.statsAddr))
		if err != nil {
			return healthMsg{err: err}
		}
		defer resp.Body.Close()

		var snap healthSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return healthMsg{err: err}
		}
		return healthMsg{snap: snap}
	}
}

func (m model) requestStop() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/admin/stop", m.apiAddr), nil)
		if err != nil {
			return stoppedMsg{err: err}
		}
		if m.adminKey != "" {
			req.Header.Set("X-Admin-Key", m.adminKey)
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return stoppedMsg{err: err}
		}
		resp.Body.Close()
		return stoppedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s":
			if !m.stopping {
				m.stopping = true
				return m, m.requestStop()
			}
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tickEvery())
	case healthMsg:
		m.lastPolled = time.Now()
		m.lastErr = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
	case stoppedMsg:
		m.lastErr = msg.err
	}
	return m, nil
}

func boolCell(ok bool) string {
	if ok {
		return okStyle.Render("yes")
	}
	return badStyle.Render("no")
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var body string
	if m.lastErr != nil {
		body = badStyle.Render(fmt.Sprintf("poll failed: %v", m.lastErr))
	} else {
		rows := []struct{ label, value string }{
			{"running", boolCell(m.snap.Running)},
			{"recovering", boolCell(m.snap.Recovering)},
			{"engine", m.snap.Engine},
			{"browser connected", boolCell(m.snap.BrowserConnected)},
			{"consecutive failures", fmt.Sprintf("%d", m.snap.ConsecutiveFailures)},
			{"active ops", fmt.Sprintf("%d", m.snap.ActiveOps)},
			{"pool size", fmt.Sprintf("%d", m.snap.PoolSize)},
			{"active users", fmt.Sprintf("%d", len(m.snap.ActiveUserIds))},
			{"profile dirs", fmt.Sprintf("%d", m.snap.ProfileDirsTotal)},
		}
		for _, row := range rows {
			body += labelStyle.Render(row.label) + row.value + "\n"
		}
	}

	status := ""
	if m.stopping {
		status = badStyle.Render("stop requested")
	}

	content := titleStyle.Render(fmt.Sprintf("browserplane admin — %s", m.statsAddr)) + "\n\n" + body + "\n" + status
	return boxStyle.Render(content) + "\n" + helpStyle.Render("q quit · s request graceful stop") + "\n"
}

func main() {
	statsAddr := flag.String("stats-addr", "", "admin stats address, host:port (defaults to ADMIN_STATS_ADDR or 127.0.0.1:8283)")
	apiAddr := flag.String("api-addr", "", "orchestrator API address for the stop command, host:port (defaults to HOST:PORT or 127.0.0.1:8282)")
	adminKey := flag.String("admin-key", os.Getenv("ADMIN_KEY"), "admin key for the stop command")
	flag.Parse()

	resolvedStats := *statsAddr
	if resolvedStats == "" {
		resolvedStats = os.Getenv("ADMIN_STATS_ADDR")
	}
	if resolvedStats == "" {
		resolvedStats = "127.0.0.1:8283"
	}

	resolvedAPI := *apiAddr
	if resolvedAPI == "" {
		if host := os.Getenv("HOST"); host != "" {
			port := os.Getenv("PORT")
			if port == "" {
				port = "8282"
			}
			resolvedAPI = fmt.Sprintf("%s:%s", host, port)
		}
	}
	if resolvedAPI == "" {
		resolvedAPI = "127.0.0.1:8282"
	}

	p := tea.NewProgram(initialModel(resolvedStats, resolvedAPI, *adminKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "admin TUI error: %v\n", err)
		os.Exit(1)
	}
}
