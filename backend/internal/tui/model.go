// Package tui is a terminal editor bound to one collab.Manager.
package tui

import (
	"context"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"

	"collabsync/backend/internal/collab"
)

// changedMsg is delivered whenever the manager reports a change.
type changedMsg struct{}

// actionMsg carries the result of a session action run off the UI loop.
type actionMsg struct {
	action string
	err    error
}

// Model is the root Bubble Tea model.
type Model struct {
	mgr    *collab.Manager
	ctx    context.Context
	cancel context.CancelFunc

	keys     KeyMap
	help     help.Model
	editor   textarea.Model
	width    int
	height   int
	preview  bool
	markdown *markdownView
	// last result of a key-triggered action
	notice string
}

func New(mgr *collab.Manager) Model {
	ctx, cancel := context.WithCancel(context.Background())
	ta := textarea.New()
	ta.Placeholder = "Start typing. ctrl+s starts a session, ctrl+j joins one."
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetValue(mgr.Content())
	ta.Focus()
	return Model{
		mgr:      mgr,
		ctx:      ctx,
		cancel:   cancel,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		editor:   ta,
		markdown: &markdownView{},
	}
}

// Init refreshes the session and starts listening for changes.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.run("refresh", m.mgr.Refresh), m.waitForChange())
}

func (m Model) waitForChange() tea.Cmd {
	ch := m.mgr.Changes()
	ctx := m.ctx
	return func() tea.Msg {
		select {
		case <-ch:
			return changedMsg{}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m Model) run(action string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionMsg{action: action, err: fn(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.editor.SetWidth(max(msg.Width-2, 20))
		m.editor.SetHeight(max(msg.Height-chromeHeight, 3))
		if m.preview {
			m.markdown.resize(m.width - 4)
		}
		return m, nil

	case changedMsg:
		// remote edits replace the buffer; keep the editor in step
		if content := m.mgr.Content(); content != m.editor.Value() {
			m.editor.SetValue(content)
		}
		return m, m.waitForChange()

	case actionMsg:
		if msg.err != nil {
			m.notice = msg.action + ": " + msg.err.Error()
		} else {
			m.notice = ""
		}
		if content := m.mgr.Content(); content != m.editor.Value() {
			m.editor.SetValue(content)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Start):
		content := m.editor.Value()
		return m, m.run("start", func(ctx context.Context) error {
			return m.mgr.Start(ctx, content)
		})

	case key.Matches(msg, m.keys.Join):
		return m, m.run("join", m.mgr.Join)

	case key.Matches(msg, m.keys.End):
		return m, m.run("end", m.mgr.End)

	case key.Matches(msg, m.keys.Refresh):
		return m, m.run("refresh", m.mgr.Refresh)

	case key.Matches(msg, m.keys.Preview):
		m.preview = !m.preview
		if m.preview {
			m.markdown.resize(m.width - 4)
		}
		return m, nil
	}

	if m.preview {
		return m, nil
	}
	before := m.editor.Value()
	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	if after := m.editor.Value(); after != before {
		m.mgr.SetContent(after)
	}
	return m, cmd
}
