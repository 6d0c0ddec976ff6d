package phasedapp

import (
	"context"
	"fmt"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/deploy"
	"github.com/baker-street/bakerst-install/phases/health"
	"github.com/baker-street/bakerst-install/phases/pull"
	"github.com/baker-street/bakerst-install/utils/logging"
)

type model struct {
	cfg     Config
	manager *phases.Manager
	runCtx  context.Context
	logger  *zap.Logger

	preflightRunning bool
	preflightRan     bool
	workloads        []string

	pullEvents   <-chan pull.Event
	deployEvents <-chan deploy.Event
	healthEvents <-chan health.Event

	spinner  spinner.Model
	progress progress.Model

	statusMsg string
	quitting  bool
	copyText  func(string) error

	width  int
	height int
}

func newModel(cfg Config, runCtx context.Context) (*model, error) {
	if cfg.Manifest == nil {
		return nil, ErrNoManifest
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	managerOpts := append([]phases.ManagerOption{}, cfg.ManagerOptions...)
	managerOpts = append(managerOpts, phases.WithObserver(logging.PhaseObserver(logger)))
	if cfg.Metrics != nil {
		managerOpts = append(managerOpts, phases.WithObserver(cfg.Metrics))
	}
	manager, err := phases.NewManager(cfg.Manifest, managerOpts...)
	if err != nil {
		return nil, err
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	bar := progress.New(progress.WithGradient(string(accentColor), string(successColor)))
	bar.Width = 40

	if runCtx == nil {
		runCtx = context.Background()
	}

	return &model{
		cfg:       cfg,
		manager:   manager,
		runCtx:    runCtx,
		logger:    logger,
		spinner:   sp,
		progress:  bar,
		statusMsg: "Starting installer…",
		copyText:  clipboard.WriteAll,
	}, nil
}

func (m *model) Init() tea.Cmd {
	return m.sync()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		prevWidth := m.width
		prevHeight := m.height
		m.width = msg.Width
		m.height = msg.Height
		if (prevWidth > 0 && msg.Width < prevWidth) || (prevHeight > 0 && msg.Height < prevHeight) {
			return m, tea.ClearScreen
		}
		return m, nil

	case tea.KeyMsg:
		cmd = m.handleKey(msg)

	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case preflightDoneMsg:
		m.handlePreflight(msg)

	case pullEventMsg:
		m.handlePullEvent(msg.ev)
		return m, tea.Batch(waitPullEventCmd(m.pullEvents), m.sync())

	case pullFinishedMsg:
		// Every image already reported a terminal event.

	case deployEventMsg:
		m.handleDeployEvent(msg.ev)
		return m, tea.Batch(waitDeployEventCmd(m.deployEvents), m.sync())

	case deployFinishedMsg:

	case healthEventMsg:
		m.handleHealthEvent(msg.ev)
		return m, tea.Batch(waitHealthEventCmd(m.healthEvents), m.sync())

	case healthFinishedMsg:
	}

	if m.quitting {
		return m, cmd
	}
	return m, tea.Batch(cmd, m.sync())
}

// sync starts the current phase's coordinator if needed and follows
// auto-advance conditions until the phase settles.
func (m *model) sync() tea.Cmd {
	var cmds []tea.Cmd
	for i := 0; i < phases.Total(); i++ {
		if cmd := m.startPhaseWork(); cmd != nil {
			cmds = append(cmds, cmd)
		}
		if !m.manager.AutoAdvance() {
			break
		}
	}
	return tea.Batch(cmds...)
}

func (m *model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.Type == tea.KeyCtrlC {
		return m.quit()
	}

	switch m.manager.Phase() {
	case phases.Preflight:
		if isRune(msg, 'q') {
			return m.quit()
		}
		if isRune(msg, 'r') && m.preflightRan && !m.manager.PreflightPassed() {
			m.manager.ResetPreflight()
			m.preflightRan = false
		}

	case phases.Secrets:
		m.handleSecretsKey(msg)

	case phases.Features:
		switch {
		case msg.Type == tea.KeyUp || isRune(msg, 'k'):
			m.manager.MoveFeatureCursor(-1)
		case msg.Type == tea.KeyDown || isRune(msg, 'j'):
			m.manager.MoveFeatureCursor(1)
		case msg.Type == tea.KeySpace || isRune(msg, ' '):
			m.manager.ToggleFeature()
		case msg.Type == tea.KeyEnter:
			m.reportErr(m.manager.ConfirmFeatures())
		case isRune(msg, 'q'):
			return m.quit()
		}

	case phases.Confirm:
		switch {
		case msg.Type == tea.KeyLeft || isRune(msg, 'h'):
			m.manager.SelectConfirmChoice(phases.ChoiceConfirm)
		case msg.Type == tea.KeyRight || isRune(msg, 'l'):
			m.manager.SelectConfirmChoice(phases.ChoiceCancel)
		case msg.Type == tea.KeyTab:
			if m.manager.ConfirmChoice() == phases.ChoiceConfirm {
				m.manager.SelectConfirmChoice(phases.ChoiceCancel)
			} else {
				m.manager.SelectConfirmChoice(phases.ChoiceConfirm)
			}
		case msg.Type == tea.KeyEnter:
			m.reportErr(m.manager.ApplyConfirm())
		case msg.Type == tea.KeyEsc:
			m.manager.BackToSecrets()
		case isRune(msg, 'q'):
			return m.quit()
		}

	case phases.Pull, phases.Deploy:
		if isRune(msg, 'q') {
			return m.quit()
		}

	case phases.Health:
		if isRune(msg, 'q') {
			return m.quit()
		}
		if outcome, _ := m.manager.HealthOutcome(); outcome == phases.HealthTimedOut && msg.Type == tea.KeyEnter {
			m.manager.Advance()
		}

	case phases.Complete:
		switch {
		case isRune(msg, 'c'):
			m.copyAuthToken()
		case msg.Type == tea.KeyEnter || isRune(msg, 'q'):
			if !m.manager.Advance() {
				return m.quit()
			}
		}
	}
	return nil
}

func (m *model) handleSecretsKey(msg tea.KeyMsg) {
	switch msg.Type {
	case tea.KeyEnter:
		m.reportErr(m.manager.SubmitSecret())
	case tea.KeyEsc:
		m.reportErr(m.manager.SkipSecret())
	case tea.KeyBackspace:
		m.manager.Backspace()
	case tea.KeySpace:
		m.manager.AppendInput(" ")
	case tea.KeyRunes:
		m.manager.AppendInput(string(msg.Runes))
	}
}

func (m *model) reportErr(err error) {
	if err == nil {
		m.setStatus("")
		return
	}
	m.setStatus(err.Error())
}

func (m *model) copyAuthToken() {
	token := m.manager.Config().AuthToken
	if token == "" {
		m.setStatus("No auth token to copy")
		return
	}
	if err := m.copyText(token); err != nil {
		m.setStatus("Failed to copy auth token")
		return
	}
	m.setStatus("Auth token copied to clipboard")
}

func (m *model) quit() tea.Cmd {
	m.quitting = true
	m.logger.Info("installer exiting", zap.Stringer("phase", m.manager.Phase()))
	return tea.Quit
}

// busy reports whether background work is in flight for the current phase.
func (m *model) busy() bool {
	switch m.manager.Phase() {
	case phases.Preflight:
		return m.preflightRunning
	case phases.Pull:
		return !m.manager.PullProgress().Finished()
	case phases.Deploy:
		return !m.manager.DeployProgress().Finished()
	case phases.Health:
		outcome, _ := m.manager.HealthOutcome()
		return outcome == phases.HealthPolling
	}
	return false
}

func (m *model) setStatus(msg string) {
	m.statusMsg = msg
}

func (m *model) setStatusf(format string, args ...any) {
	m.setStatus(fmt.Sprintf(format, args...))
}

func isRune(msg tea.KeyMsg, r rune) bool {
	return msg.Type == tea.KeyRunes && len(msg.Runes) == 1 && msg.Runes[0] == r
}
