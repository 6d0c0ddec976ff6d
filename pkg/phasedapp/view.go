package phasedapp

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/deploy"
	"github.com/baker-street/bakerst-install/utils/templates"
)

func (m *model) View() string {
	if m.quitting {
		return ""
	}

	header := m.renderHeader()
	body := styleForWidth(panelStyle, m.viewportWidth()).Render(m.renderPhase())
	statusBar := statusBarStyle.Render(m.statusLine())
	footer := footerStyle.Render(m.keyHints())

	view := lipgloss.JoinVertical(lipgloss.Left, header, body, statusBar, footer)
	renderWidth := m.width
	if renderWidth <= 0 {
		renderWidth = lipgloss.Width(view)
	}
	renderHeight := lipgloss.Height(view)
	if m.height > renderHeight {
		renderHeight = m.height
	}
	return lipgloss.Place(renderWidth, renderHeight, lipgloss.Left, lipgloss.Top, view)
}

func (m *model) renderHeader() string {
	current := m.manager.Phase()
	title := titleStyle.Render("Baker Street Installer")
	step := subtitleStyle.Render(fmt.Sprintf("Step %d/%d: %s", current.Index()+1, phases.Total(), current.Label()))
	line := lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", step)

	var crumbs []string
	for _, p := range phases.All() {
		style := pendingStyle
		switch {
		case p == current:
			style = activeStyle
		case p < current:
			style = doneStyle
		}
		crumbs = append(crumbs, style.Render(p.Label()))
	}
	trail := strings.Join(crumbs, subtitleStyle.Render(" › "))

	if cluster := m.manager.ClusterName(); cluster != "" {
		return lipgloss.JoinVertical(lipgloss.Left, line, trail, subtitleStyle.Render("Cluster: "+cluster))
	}
	return lipgloss.JoinVertical(lipgloss.Left, line, trail)
}

func (m *model) renderPhase() string {
	switch m.manager.Phase() {
	case phases.Preflight:
		return m.renderPreflight()
	case phases.Secrets:
		return m.renderSecrets()
	case phases.Features:
		return m.renderFeatures()
	case phases.Confirm:
		return m.renderConfirm()
	case phases.Pull:
		return m.renderTable("Pulling images", m.manager.PullProgress(), m.manager.PullStatuses())
	case phases.Deploy:
		return m.renderTable("Deploying resources", m.manager.DeployProgress(), m.manager.DeployStatuses())
	case phases.Health:
		return m.renderHealth()
	case phases.Complete:
		return m.renderComplete()
	}
	return ""
}

func (m *model) renderPreflight() string {
	var b strings.Builder
	b.WriteString(detailTitleStyle.Render("Preflight checks"))
	b.WriteString("\n")
	if m.preflightRunning {
		b.WriteString(m.spinner.View() + " checking cluster and container runtime…")
		return b.String()
	}
	for _, c := range m.manager.PreflightChecks() {
		b.WriteString(itemLine(c, m.spinner.View()))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderSecrets() string {
	prompts := m.manager.Prompts()
	cursor := m.manager.Cursor()

	var b strings.Builder
	b.WriteString(detailTitleStyle.Render("Secrets"))
	b.WriteString("\n")
	for i, p := range prompts {
		label := p.Key
		if p.FromFeature {
			label += subtitleStyle.Render(" (feature: " + p.FeatureID + ")")
		}
		switch {
		case i < cursor:
			value := "skipped"
			if p.Value != nil {
				value = displayValue(p, *p.Value)
			}
			b.WriteString(doneStyle.Render("✔ ") + label + infoTextStyle.Render("  "+value))
		case i == cursor:
			b.WriteString(activeStyle.Render("› ") + label)
		default:
			b.WriteString(pendingStyle.Render("• ") + label)
		}
		b.WriteString("\n")
	}

	if p, ok := m.manager.CurrentPrompt(); ok {
		b.WriteString("\n")
		b.WriteString(infoTextStyle.Render(p.Description))
		if p.Required {
			b.WriteString(errorTextStyle.Render(" (required)"))
		}
		b.WriteString("\n")
		input := m.manager.Input()
		if p.Masked() {
			input = strings.Repeat("•", len([]rune(input)))
		}
		if input == "" && p.Value != nil {
			input = subtitleStyle.Render("[keep " + displayValue(p, *p.Value) + "]")
		}
		b.WriteString(promptStyle.Render("> " + input + "█"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderFeatures() string {
	cfg := m.manager.Config()

	var b strings.Builder
	b.WriteString(detailTitleStyle.Render("Optional features"))
	b.WriteString("\n")
	if len(cfg.Features) == 0 {
		b.WriteString(infoTextStyle.Render("No optional features in this release. Press Enter to continue."))
		return b.String()
	}
	descriptions := make(map[string]string)
	for _, f := range m.manager.Manifest().OptionalFeatures {
		descriptions[f.ID] = f.Description
	}
	for i, f := range cfg.Features {
		pointer := "  "
		if i == m.manager.FeatureCursor() {
			pointer = activeStyle.Render("› ")
		}
		box := "[ ]"
		if f.Enabled {
			box = doneStyle.Render("[x]")
		}
		line := fmt.Sprintf("%s%s %s", pointer, box, f.Name)
		if d := descriptions[f.ID]; d != "" {
			line += subtitleStyle.Render("  " + d)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderConfirm() string {
	cfg := m.manager.Config()
	rm := m.manager.Manifest()

	var enabled []string
	for _, f := range cfg.EnabledFeatures() {
		enabled = append(enabled, f.Name)
	}
	featureList := "none"
	if len(enabled) > 0 {
		featureList = strings.Join(enabled, ", ")
	}

	rows := [][2]string{
		{"Auth method", cfg.AuthMethod()},
		{"Namespace", cfg.Namespace},
		{"Agent name", cfg.AgentName},
		{"Version", rm.Version},
		{"Features", featureList},
		{"Auth token", templates.MaskSecret(cfg.AuthToken)},
	}

	var b strings.Builder
	b.WriteString(detailTitleStyle.Render("Review installation"))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r[0]) + infoTextStyle.Render(r[1]))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	confirm, cancel := buttonStyle, buttonStyle
	if m.manager.ConfirmChoice() == phases.ChoiceConfirm {
		confirm = activeButtonStyle
	} else {
		cancel = activeButtonStyle
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, confirm.Render("Confirm"), "  ", cancel.Render("Cancel")))
	return b.String()
}

func (m *model) renderTable(title string, p phases.Progress, items []phases.Named) string {
	var b strings.Builder
	b.WriteString(detailTitleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(m.progress.ViewAs(p.Fraction()))
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("  %d/%d", p.Done, p.Total)))
	b.WriteString("\n\n")
	for _, item := range items {
		b.WriteString(itemLine(item, m.spinner.View()))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderHealth() string {
	outcome, reason := m.manager.HealthOutcome()

	var b strings.Builder
	b.WriteString(detailTitleStyle.Render("Workload health"))
	b.WriteString("\n")
	switch outcome {
	case phases.HealthPolling:
		b.WriteString(m.spinner.View() + " waiting for pods to become ready…")
	case phases.HealthHealthy:
		b.WriteString(doneStyle.Render("All workloads healthy"))
	case phases.HealthTimedOut:
		b.WriteString(errorTextStyle.Render("Health check failed: " + reason))
	}
	b.WriteString("\n\n")

	for _, pod := range m.manager.Pods() {
		icon := doneStyle.Render("✔")
		if !pod.Ready {
			icon = errorTextStyle.Render("✖")
		}
		line := fmt.Sprintf("%s %-32s %-18s restarts:%d  %s", icon, pod.Name, pod.Status, pod.Restarts, pod.Image)
		if n := m.manager.Recoveries(pod.Workload); n > 0 {
			line += warnTextStyle.Render(fmt.Sprintf("  recoveries:%d", n))
		}
		b.WriteString(line)
		b.WriteString("\n")
		if pod.LogTail != "" && outcome == phases.HealthTimedOut {
			for _, l := range strings.Split(pod.LogTail, "\n") {
				b.WriteString(logTextStyle.Render("    " + l))
				b.WriteString("\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderComplete() string {
	cfg := m.manager.Config()
	rows := [][2]string{
		{"Access URL", deploy.AccessURL},
		{"Namespace", cfg.Namespace},
		{"Agent name", cfg.AgentName},
		{"Auth token", templates.MaskSecret(cfg.AuthToken)},
		{"Version", m.manager.Manifest().Version},
	}

	var b strings.Builder
	b.WriteString(doneStyle.Render("Installation complete"))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(labelStyle.Render(r[0]) + infoTextStyle.Render(r[1]))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) statusLine() string {
	if m.statusMsg == "" {
		return m.manager.Phase().Metadata().Description
	}
	return m.statusMsg
}

func (m *model) keyHints() string {
	switch m.manager.Phase() {
	case phases.Preflight:
		return "r retry • q quit"
	case phases.Secrets:
		return "type value • Enter submit • Esc skip • Ctrl+C quit"
	case phases.Features:
		return "↑/↓ or j/k move • Space toggle • Enter continue • q quit"
	case phases.Confirm:
		return "←/→ choose • Enter apply • Esc back to secrets • q quit"
	case phases.Health:
		if outcome, _ := m.manager.HealthOutcome(); outcome == phases.HealthTimedOut {
			return "Enter continue • q quit"
		}
	case phases.Complete:
		return "c copy auth token • Enter/q exit"
	}
	return "q quit"
}

func displayValue(p phases.SecretPrompt, value string) string {
	if p.Masked() {
		return templates.MaskSecret(value)
	}
	return value
}

var titleCase = cases.Title(language.English)

func itemLine(item phases.Named, spin string) string {
	icon := map[phases.ItemState]string{
		phases.ItemPending: pendingStyle.Render("•"),
		phases.ItemDone:    doneStyle.Render("✔"),
		phases.ItemFailed:  errorTextStyle.Render("✖"),
		phases.ItemSkipped: pendingStyle.Render("–"),
	}[item.Status.State]
	if item.Status.State == phases.ItemInProgress {
		icon = spin
	}

	line := fmt.Sprintf("%s %-28s %s", icon, item.Name, statusStyles[item.Status.State].Render(titleCase.String(item.Status.State.String())))
	if item.Status.Message != "" {
		msgStyle := infoTextStyle
		if item.Status.State == phases.ItemFailed {
			msgStyle = errorTextStyle
		}
		line += "  " + msgStyle.Render(item.Status.Message)
	}
	return line
}

func (m *model) viewportWidth() int {
	if m.width > 0 {
		if m.width < 40 {
			return 40
		}
		return m.width
	}
	return 100
}

func styleForWidth(base lipgloss.Style, totalWidth int) lipgloss.Style {
	style := base.Copy()
	if totalWidth <= 0 {
		return style.Width(0)
	}
	frameWidth, _ := base.GetFrameSize()
	contentWidth := totalWidth - frameWidth
	if contentWidth < 0 {
		contentWidth = 0
	}
	return style.Width(contentWidth)
}

// ---- Styling helpers ----

var (
	accentColor  = lipgloss.Color("#C9A227")
	successColor = lipgloss.Color("#34D399")
	dangerColor  = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#94A3B8")

	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	subtitleStyle     = lipgloss.NewStyle().Foreground(mutedColor)
	panelStyle        = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#4C566A")).Padding(0, 1).MarginTop(1)
	statusBarStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1).MarginTop(1).Background(lipgloss.Color("#3B2F1E")).Foreground(lipgloss.Color("#F5E6C8"))
	footerStyle       = lipgloss.NewStyle().Foreground(mutedColor).Padding(0, 1)
	detailTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FDE047"))
	labelStyle        = lipgloss.NewStyle().Foreground(mutedColor).Width(14)
	infoTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB"))
	errorTextStyle    = lipgloss.NewStyle().Foreground(dangerColor)
	warnTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F97316"))
	logTextStyle      = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	promptStyle       = lipgloss.NewStyle().Foreground(accentColor)
	pendingStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	activeStyle       = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	doneStyle         = lipgloss.NewStyle().Foreground(successColor)
	spinnerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBF24"))
	buttonStyle       = lipgloss.NewStyle().Padding(0, 2).Border(lipgloss.RoundedBorder()).BorderForeground(mutedColor)
	activeButtonStyle = buttonStyle.Copy().BorderForeground(accentColor).Foreground(accentColor).Bold(true)
)

var statusStyles = map[phases.ItemState]lipgloss.Style{
	phases.ItemPending:    pendingStyle,
	phases.ItemInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("#F97316")).Bold(true),
	phases.ItemDone:       doneStyle,
	phases.ItemFailed:     errorTextStyle,
	phases.ItemSkipped:    pendingStyle,
}
