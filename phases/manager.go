package phases

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/baker-street/bakerst-install/utils/manifest"
	"github.com/baker-street/bakerst-install/utils/templates"
)

// ConfirmChoice is the highlighted button on the Confirm phase.
type ConfirmChoice int

const (
	ChoiceConfirm ConfirmChoice = iota
	ChoiceCancel
)

// Manager owns all installer-visible state and the phase state machine.
// It is not safe for concurrent use; only the control loop mutates it.
type Manager struct {
	state     State
	observers []Observer
	manifest  *manifest.ReleaseManifest
	config    InstallConfig
	newToken  func() (string, error)

	prompts     []SecretPrompt
	basePrompts int
	cursor      int
	input       []rune

	featureCursor int
	confirmChoice ConfirmChoice

	clusterName string
	checks      []Named
	checksDone  bool

	pulls       statusTable
	steps       statusTable
	deployDone  bool
	workloads   []string
	healthBegun bool
	pods        podSet
	recoveries  map[string]int
	outcome     HealthOutcome
	healthErr   string
}

// ManagerOption mutates manager configuration.
type ManagerOption func(*Manager)

// WithObserver registers an observer to receive phase transitions.
func WithObserver(obs Observer) ManagerOption {
	return func(m *Manager) {
		if obs == nil {
			return
		}
		m.observers = append(m.observers, obs)
	}
}

// WithNamespace overrides the manifest default namespace.
func WithNamespace(ns string) ManagerOption {
	return func(m *Manager) {
		if ns = strings.TrimSpace(ns); ns != "" {
			m.config.Namespace = ns
		}
	}
}

// WithTokenGenerator replaces the auth token generator.
func WithTokenGenerator(gen func() (string, error)) ManagerOption {
	return func(m *Manager) {
		if gen != nil {
			m.newToken = gen
		}
	}
}

// NewManager builds the state machine in Preflight from a parsed manifest.
func NewManager(rm *manifest.ReleaseManifest, opts ...ManagerOption) (*Manager, error) {
	if rm == nil {
		return nil, ValidationError{Reason: "release manifest is required"}
	}
	m := &Manager{
		state:      State{Phase: Preflight},
		manifest:   rm.Clone(),
		recoveries: make(map[string]int),
		newToken:   templates.GenerateAuthToken,
	}

	m.config.AgentName = rm.Defaults.AgentName
	if m.config.AgentName == "" {
		m.config.AgentName = DefaultAgentName
	}
	m.config.Namespace = rm.Defaults.Namespace
	if m.config.Namespace == "" {
		m.config.Namespace = DefaultNamespace
	}
	for _, f := range rm.OptionalFeatures {
		sel := FeatureSelection{ID: f.ID, Name: f.Name, Enabled: f.DefaultEnabled}
		for _, key := range f.Secrets {
			sel.Secrets = append(sel.Secrets, FeatureSecret{Key: key})
		}
		m.config.Features = append(m.config.Features, sel)
	}
	for _, s := range rm.RequiredSecrets {
		kind := InputKindSecret
		if s.InputType == manifest.InputKindText {
			kind = InputKindText
		}
		m.prompts = append(m.prompts, SecretPrompt{
			Key:         s.Key,
			Description: s.Description,
			Required:    s.Required,
			Kind:        kind,
		})
	}
	m.basePrompts = len(m.prompts)

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	return m, nil
}

// Phase returns the current phase.
func (m *Manager) Phase() Phase {
	return m.state.Phase
}

// State returns the tagged phase state.
func (m *Manager) State() State {
	return m.state
}

// Manifest returns a copy of the release manifest.
func (m *Manager) Manifest() *manifest.ReleaseManifest {
	return m.manifest.Clone()
}

// Config returns a copy of the install configuration.
func (m *Manager) Config() InstallConfig {
	return m.config.Clone()
}

// Advance moves to the fixed successor phase. It returns false only at
// Complete, which signals the installer is done.
func (m *Manager) Advance() bool {
	next, ok := m.state.Phase.Next()
	if !ok {
		return false
	}
	m.setPhase(next)
	return true
}

// BackToSecrets is the single backward transition (Confirm -> Secrets). It
// is a no-op in every other phase and resets secret entry on success.
// Feature prompts are dropped; the next ConfirmFeatures rebuilds them.
func (m *Manager) BackToSecrets() bool {
	if m.state.Phase != Confirm {
		return false
	}
	m.prompts = m.prompts[:m.basePrompts]
	m.cursor = 0
	m.input = m.input[:0]
	m.state.PendingReturn = ReturnNone
	m.confirmChoice = ChoiceConfirm
	m.setPhase(Secrets)
	return true
}

func (m *Manager) setPhase(to Phase) {
	from := m.state.Phase
	m.state.Phase = to
	if from == to {
		return
	}
	for _, obs := range m.observers {
		obs.PhaseChanged(from, to)
	}
}

// Prompts returns the secret prompts in order.
func (m *Manager) Prompts() []SecretPrompt {
	out := make([]SecretPrompt, len(m.prompts))
	for i, p := range m.prompts {
		p.Value = cloneString(p.Value)
		out[i] = p
	}
	return out
}

// Cursor is the index of the next unanswered prompt.
func (m *Manager) Cursor() int {
	return m.cursor
}

// CurrentPrompt returns the prompt awaiting input, if any.
func (m *Manager) CurrentPrompt() (SecretPrompt, bool) {
	if m.state.Phase != Secrets || m.cursor >= len(m.prompts) {
		return SecretPrompt{}, false
	}
	return m.prompts[m.cursor], true
}

// Input returns the raw input buffer.
func (m *Manager) Input() string {
	return string(m.input)
}

// AppendInput adds printable characters to the input buffer.
func (m *Manager) AppendInput(s string) {
	if m.state.Phase != Secrets {
		return
	}
	for _, r := range s {
		if unicode.IsPrint(r) {
			m.input = append(m.input, r)
		}
	}
}

// Backspace removes the last character of the input buffer.
func (m *Manager) Backspace() {
	if m.state.Phase != Secrets || len(m.input) == 0 {
		return
	}
	m.input = m.input[:len(m.input)-1]
}

// SubmitSecret records the input buffer for the current prompt. Empty input
// keeps a previously captured value, skips optional prompts, and is
// rejected for required ones. Finishing the last prompt leaves the Secrets
// phase.
func (m *Manager) SubmitSecret() error {
	if m.state.Phase != Secrets {
		return TransitionError{Op: "submit secret", Phase: m.state.Phase}
	}
	if m.cursor >= len(m.prompts) {
		return m.finishSecrets()
	}
	value := strings.TrimSpace(string(m.input))
	if value == "" {
		if m.prompts[m.cursor].Value != nil {
			return m.nextPrompt()
		}
		return m.SkipSecret()
	}
	m.record(StringPtr(value))
	return m.nextPrompt()
}

// SkipSecret leaves the current optional prompt unanswered.
func (m *Manager) SkipSecret() error {
	if m.state.Phase != Secrets {
		return TransitionError{Op: "skip secret", Phase: m.state.Phase}
	}
	if m.cursor >= len(m.prompts) {
		return m.finishSecrets()
	}
	if p := m.prompts[m.cursor]; p.Required {
		return ValidationError{Reason: fmt.Sprintf("%s is required", p.Key)}
	}
	m.record(nil)
	return m.nextPrompt()
}

func (m *Manager) nextPrompt() error {
	m.cursor++
	m.input = m.input[:0]
	if m.cursor >= len(m.prompts) {
		return m.finishSecrets()
	}
	return nil
}

func (m *Manager) record(value *string) {
	p := &m.prompts[m.cursor]
	p.Value = value
	if p.FromFeature {
		for i := range m.config.Features {
			f := &m.config.Features[i]
			if f.ID != p.FeatureID {
				continue
			}
			for j := range f.Secrets {
				if f.Secrets[j].Key == p.Key {
					f.Secrets[j].Value = cloneString(value)
				}
			}
		}
		return
	}
	switch p.Key {
	case KeyOAuthToken:
		m.config.OAuthToken = cloneString(value)
	case KeyAPIKey:
		m.config.APIKey = cloneString(value)
	case KeyVoyageKey:
		m.config.VoyageAPIKey = cloneString(value)
	default:
		if value == nil {
			delete(m.config.Extra, p.Key)
			return
		}
		if m.config.Extra == nil {
			m.config.Extra = make(map[string]string)
		}
		m.config.Extra[p.Key] = *value
	}
}

// finishSecrets resolves where secret collection lands: Confirm when a
// feature detour is pending, otherwise the Features phase.
func (m *Manager) finishSecrets() error {
	m.input = m.input[:0]
	if m.state.PendingReturn == ReturnConfirm {
		if err := m.ensureAuthToken(); err != nil {
			return err
		}
		m.state.PendingReturn = ReturnNone
		m.confirmChoice = ChoiceConfirm
		m.setPhase(Confirm)
		return nil
	}
	m.Advance()
	return nil
}

// FeatureCursor is the highlighted feature row.
func (m *Manager) FeatureCursor() int {
	return m.featureCursor
}

// MoveFeatureCursor moves the highlighted feature by delta, clamped.
func (m *Manager) MoveFeatureCursor(delta int) {
	if m.state.Phase != Features || len(m.config.Features) == 0 {
		return
	}
	m.featureCursor += delta
	if m.featureCursor < 0 {
		m.featureCursor = 0
	}
	if last := len(m.config.Features) - 1; m.featureCursor > last {
		m.featureCursor = last
	}
}

// ToggleFeature flips the highlighted feature.
func (m *Manager) ToggleFeature() {
	if m.state.Phase != Features || m.featureCursor >= len(m.config.Features) {
		return
	}
	f := &m.config.Features[m.featureCursor]
	f.Enabled = !f.Enabled
}

// ConfirmFeatures closes feature selection. Feature prompts are rebuilt from
// the enabled features; when any exist the installer detours through
// Secrets and lands on Confirm, otherwise it advances to Confirm directly.
func (m *Manager) ConfirmFeatures() error {
	if m.state.Phase != Features {
		return TransitionError{Op: "confirm features", Phase: m.state.Phase}
	}

	m.prompts = m.prompts[:m.basePrompts]
	for i := range m.config.Features {
		f := &m.config.Features[i]
		for j := range f.Secrets {
			f.Secrets[j].Value = nil
		}
		if !f.Enabled {
			continue
		}
		for _, s := range f.Secrets {
			m.prompts = append(m.prompts, SecretPrompt{
				Key:         s.Key,
				Description: fmt.Sprintf("%s: %s", f.Name, s.Key),
				Kind:        featurePromptKind(s.Key),
				FromFeature: true,
				FeatureID:   f.ID,
			})
		}
	}

	if len(m.prompts) > m.basePrompts {
		m.state.PendingReturn = ReturnConfirm
		m.cursor = m.basePrompts
		m.input = m.input[:0]
		m.setPhase(Secrets)
		return nil
	}

	if err := m.ensureAuthToken(); err != nil {
		return err
	}
	m.confirmChoice = ChoiceConfirm
	m.Advance()
	return nil
}

func featurePromptKind(key string) InputKind {
	if strings.HasSuffix(key, "_PATH") {
		return InputKindText
	}
	return InputKindSecret
}

func (m *Manager) ensureAuthToken() error {
	if m.config.AuthToken != "" {
		return nil
	}
	token, err := m.newToken()
	if err != nil {
		return TokenError{Err: err}
	}
	m.config.AuthToken = token
	return nil
}

// ConfirmChoice returns the highlighted Confirm button.
func (m *Manager) ConfirmChoice() ConfirmChoice {
	return m.confirmChoice
}

// SelectConfirmChoice highlights a Confirm button.
func (m *Manager) SelectConfirmChoice(c ConfirmChoice) {
	if m.state.Phase != Confirm {
		return
	}
	if c != ChoiceCancel {
		c = ChoiceConfirm
	}
	m.confirmChoice = c
}

// ApplyConfirm acts on the highlighted button: Confirm advances to Pull,
// Cancel goes back to Secrets.
func (m *Manager) ApplyConfirm() error {
	if m.state.Phase != Confirm {
		return TransitionError{Op: "confirm", Phase: m.state.Phase}
	}
	if m.confirmChoice == ChoiceCancel {
		m.BackToSecrets()
		return nil
	}
	m.Advance()
	return nil
}

// ClusterName is the cluster identity string recorded by preflight.
func (m *Manager) ClusterName() string {
	return m.clusterName
}

// SetPreflight records the outcome of the preflight checks.
func (m *Manager) SetPreflight(cluster string, checks []Named) {
	m.clusterName = cluster
	m.checks = append([]Named(nil), checks...)
	m.checksDone = true
}

// ResetPreflight clears check results before a re-run.
func (m *Manager) ResetPreflight() {
	m.checks = nil
	m.checksDone = false
}

// PreflightChecks returns the recorded checks.
func (m *Manager) PreflightChecks() []Named {
	return append([]Named(nil), m.checks...)
}

// PreflightPassed reports whether checks ran and all succeeded.
func (m *Manager) PreflightPassed() bool {
	if !m.checksDone {
		return false
	}
	for _, c := range m.checks {
		if c.Status.State == ItemFailed {
			return false
		}
	}
	return true
}

// BeginPull creates the pull status table once; later calls return false.
func (m *Manager) BeginPull(images []string) bool {
	return m.pulls.begin(images)
}

// MarkPull updates one image's status.
func (m *Manager) MarkPull(index int, status ItemStatus) bool {
	return m.pulls.mark(index, status)
}

// PullStatuses returns the pull status table.
func (m *Manager) PullStatuses() []Named {
	return m.pulls.snapshot()
}

// PullProgress returns the pull counter.
func (m *Manager) PullProgress() Progress {
	return m.pulls.progress()
}

// BeginDeploy creates the deploy status table once; later calls return false.
func (m *Manager) BeginDeploy(steps []string) bool {
	return m.steps.begin(steps)
}

// MarkStep updates one deploy step's status.
func (m *Manager) MarkStep(index int, status ItemStatus) bool {
	return m.steps.mark(index, status)
}

// FinishDeploy records the sequence-complete signal.
func (m *Manager) FinishDeploy() {
	m.deployDone = true
}

// DeployStatuses returns the deploy status table.
func (m *Manager) DeployStatuses() []Named {
	return m.steps.snapshot()
}

// DeployProgress returns the deploy counter.
func (m *Manager) DeployProgress() Progress {
	return m.steps.progress()
}

// BeginHealth records the monitored workloads once; later calls return false.
func (m *Manager) BeginHealth(workloads []string) bool {
	if m.healthBegun {
		return false
	}
	m.healthBegun = true
	m.workloads = append([]string(nil), workloads...)
	return true
}

// Workloads returns the monitored workload names.
func (m *Manager) Workloads() []string {
	return append([]string(nil), m.workloads...)
}

// UpsertPod replaces the pod with the same name or appends it.
func (m *Manager) UpsertPod(p PodHealth) {
	m.pods.upsert(p)
}

// Pods returns pods in first-seen order.
func (m *Manager) Pods() []PodHealth {
	return m.pods.list()
}

// RecordRecovery notes a crash-loop recovery attempt for workload.
func (m *Manager) RecordRecovery(workload string, attempt int) {
	if attempt > m.recoveries[workload] {
		m.recoveries[workload] = attempt
	}
}

// Recoveries returns the recovery attempt count for workload.
func (m *Manager) Recoveries(workload string) int {
	return m.recoveries[workload]
}

// SetHealthy records the all-healthy terminal event.
func (m *Manager) SetHealthy() {
	m.outcome = HealthHealthy
}

// SetHealthFailed records the timeout terminal event with the unhealthy pods.
func (m *Manager) SetHealthFailed(unhealthy []PodHealth, reason string) {
	m.outcome = HealthTimedOut
	m.healthErr = reason
	for _, p := range unhealthy {
		m.pods.upsert(p)
	}
}

// HealthOutcome returns the health monitoring result so far.
func (m *Manager) HealthOutcome() (HealthOutcome, string) {
	return m.outcome, m.healthErr
}

// AutoAdvance leaves the current phase when its background work has
// reached the condition for moving on. It reports whether a transition
// happened.
func (m *Manager) AutoAdvance() bool {
	switch m.state.Phase {
	case Preflight:
		if m.PreflightPassed() {
			return m.Advance()
		}
	case Pull:
		if m.pulls.finished() {
			return m.Advance()
		}
	case Deploy:
		if m.deployDone {
			return m.Advance()
		}
	case Health:
		if m.outcome == HealthHealthy {
			return m.Advance()
		}
	}
	return false
}
