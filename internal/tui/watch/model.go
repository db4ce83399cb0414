package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/bascule/internal/events"
)

type keyMap struct {
	Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Quit}}
}

var defaultKeys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health     HealthState
	slots      []SlotState
	circuits   map[string]CircuitState
	dispatches map[string]*DispatchState
	eventLog   []events.Event

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme Theme
	keys  keyMap
	help  help.Model

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:     apiURL,
		apiKey:     apiKey,
		circuits:   make(map[string]CircuitState),
		dispatches: make(map[string]*DispatchState),
		eventLog:   make([]events.Event, 0),
		hubEvents:  make(chan events.Event, 100),
		ticker:     NewTicker(),
		spinner:    NewSpinner(),
		theme:      NewDefaultTheme(),
		keys:       defaultKeys,
		help:       help.New(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		m.ticker.Tick()
		m.spinner.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		// Update event log (newest first)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}

		m.spinner.OnEvent()

		updateDispatchState(m.dispatches, e)
		m.applyCircuitEvent(e)

		// Mark as connected
		m.health.Connected = true
		m.lastError = ""

		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Capacity = msg.Pool.Capacity
		m.health.Idle = msg.Pool.Idle
		m.health.Busy = msg.Pool.Busy
		m.health.Broken = msg.Pool.Broken
		m.health.Templates = msg.Templates
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		m.slots = m.slots[:0]
		for _, s := range msg.Slots {
			m.slots = append(m.slots, SlotState(s))
		}
		for _, c := range msg.Circuits {
			cs := CircuitState{
				Category: c.Category,
				State:    c.State,
				Failures: c.Failures,
			}
			if c.OpenedAt != nil {
				cs.OpenedAt = *c.OpenedAt
			}
			m.circuits[c.Category] = cs
		}

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// Reconnect after a short delay; the existing receiveNextEvent
		// goroutine is still waiting on the channel and will pick up
		// events from the new subscription.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		// Retry status in 5s
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

// applyCircuitEvent refreshes circuit state between /status polls.
func (m *Model) applyCircuitEvent(e events.Event) {
	if e.Type != events.TypeCircuitChanged {
		return
	}
	var payload struct {
		Category string `json:"category"`
		To       string `json:"to"`
		Failures int    `json:"failures"`
	}
	if err := unmarshalEvent(e, &payload); err != nil || payload.Category == "" {
		return
	}
	cs := m.circuits[payload.Category]
	cs.Category = payload.Category
	cs.State = payload.To
	cs.Failures = payload.Failures
	if payload.To == "open" {
		cs.OpenedAt = e.At
	}
	m.circuits[payload.Category] = cs
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width)
	slots := renderSlots(m.slots, m.theme, m.width)
	circuits := renderCircuits(m.circuits, m.theme, m.width)
	dispatches := renderDispatches(m.dispatches, m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	// Error bar
	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError))
	}

	helpBar := " " + m.help.View(m.keys)

	parts := []string{header, slots, circuits, dispatches, eventStream}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, helpBar)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
