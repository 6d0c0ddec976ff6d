package phases

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baker-street/bakerst-install/utils/manifest"
)

func TestPhaseNextFollowsFixedOrder(t *testing.T) {
	t.Parallel()

	all := All()
	require.Len(t, all, Total())
	for i, p := range all[:len(all)-1] {
		next, ok := p.Next()
		require.True(t, ok, p.String())
		require.Equal(t, all[i+1], next)
		require.Equal(t, i, p.Index())
	}
	next, ok := Complete.Next()
	require.False(t, ok)
	require.Equal(t, Complete, next)
	require.Equal(t, "Pull Images", Pull.Label())
	require.Equal(t, "Health Check", Health.Label())
}

func TestAdvanceWalksEveryPhase(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions [][2]Phase
	m := newTestManager(t, twoImageManifest(), WithObserver(ObserverFunc(func(from, to Phase) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, [2]Phase{from, to})
	})))

	for i := 0; i < Total()-1; i++ {
		require.True(t, m.Advance())
	}
	require.Equal(t, Complete, m.Phase())
	require.False(t, m.Advance())
	require.Equal(t, Complete, m.Phase())
	require.Len(t, transitions, Total()-1)
	require.Equal(t, [2]Phase{Health, Complete}, transitions[len(transitions)-1])
}

func TestBackToSecretsOnlyFromConfirm(t *testing.T) {
	t.Parallel()

	for _, p := range All() {
		p := p
		t.Run(p.String(), func(t *testing.T) {
			t.Parallel()

			m := newTestManager(t, twoImageManifest())
			for m.Phase() != p {
				require.True(t, m.Advance())
			}
			moved := m.BackToSecrets()
			if p == Confirm {
				require.True(t, moved)
				require.Equal(t, Secrets, m.Phase())
				require.Zero(t, m.Cursor())
				require.Empty(t, m.Input())
				return
			}
			require.False(t, moved)
			require.Equal(t, p, m.Phase())
		})
	}
}

func TestBackToSecretsResetsEntryState(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest())
	m.Advance()
	m.AppendInput("oauth")
	require.NoError(t, m.SubmitSecret())
	require.Equal(t, 1, m.Cursor())
	require.NoError(t, m.SkipSecret())
	require.Equal(t, Features, m.Phase())
	require.NoError(t, m.ConfirmFeatures())
	require.Equal(t, Confirm, m.Phase())

	m.SelectConfirmChoice(ChoiceCancel)
	require.NoError(t, m.ApplyConfirm())
	require.Equal(t, Secrets, m.Phase())
	require.Zero(t, m.Cursor())
	require.Empty(t, m.Input())
	require.Equal(t, ReturnNone, m.State().PendingReturn)
}

func TestScenarioNoOptionalFeatures(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest())
	m.Advance()
	require.Equal(t, Secrets, m.Phase())

	prompts := m.Prompts()
	require.Len(t, prompts, 2)
	require.Equal(t, KeyOAuthToken, prompts[0].Key)
	require.Equal(t, KeyAPIKey, prompts[1].Key)
	for _, p := range prompts {
		require.False(t, p.FromFeature)
	}

	m.AppendInput("sk-ant-oat")
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SubmitSecret())
	require.Equal(t, Features, m.Phase())

	require.NoError(t, m.ConfirmFeatures())
	require.Equal(t, Confirm, m.Phase())
	require.NotEmpty(t, m.Config().AuthToken)

	require.NoError(t, m.ApplyConfirm())
	require.Equal(t, Pull, m.Phase())
	require.True(t, m.BeginPull([]string{"bakerst-brain:latest", "bakerst-worker:latest"}))
	require.Equal(t, Progress{Done: 0, Total: 2}, m.PullProgress())
}

func TestScenarioFeatureSecretsDetour(t *testing.T) {
	t.Parallel()

	rm := twoImageManifest()
	rm.OptionalFeatures = []manifest.Feature{
		{ID: "chat", Name: "Chat", Secrets: []string{"CHAT_TOKEN", "CHAT_SIGNING_KEY"}},
		{ID: "search", Name: "Search", Secrets: []string{"SEARCH_KEY"}},
	}
	m := newTestManager(t, rm)
	m.Advance()
	m.AppendInput("oauth")
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SkipSecret())
	require.Equal(t, Features, m.Phase())

	require.NoError(t, m.ConfirmFeatures())
	require.Equal(t, Confirm, m.Phase(), "no features enabled goes straight to Confirm")
	require.Len(t, m.Prompts(), 2)

	require.True(t, m.BackToSecrets())
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SkipSecret())
	require.Equal(t, Features, m.Phase())

	m.ToggleFeature()
	require.NoError(t, m.ConfirmFeatures())
	require.Equal(t, Secrets, m.Phase())
	require.Equal(t, State{Phase: Secrets, PendingReturn: ReturnConfirm}, m.State())

	prompts := m.Prompts()
	require.Len(t, prompts, 4)
	require.Equal(t, 2, m.Cursor())
	for _, p := range prompts[2:] {
		require.True(t, p.FromFeature)
		require.Equal(t, "chat", p.FeatureID)
	}

	m.AppendInput("chat-token")
	require.NoError(t, m.SubmitSecret())
	m.AppendInput("signing")
	require.NoError(t, m.SubmitSecret())
	require.Equal(t, Confirm, m.Phase(), "detour lands on Confirm, Features is not re-shown")
	require.Equal(t, ReturnNone, m.State().PendingReturn)

	cfg := m.Config()
	require.Equal(t, "chat-token", *cfg.Features[0].Secrets[0].Value)
	require.Equal(t, "signing", *cfg.Features[0].Secrets[1].Value)
}

func TestFeaturePromptsAreRebuilt(t *testing.T) {
	t.Parallel()

	rm := twoImageManifest()
	rm.OptionalFeatures = []manifest.Feature{{ID: "chat", Name: "Chat", DefaultEnabled: true, Secrets: []string{"CHAT_TOKEN"}}}
	m := newTestManager(t, rm)
	m.Advance()
	m.AppendInput("oauth")
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SkipSecret())

	require.NoError(t, m.ConfirmFeatures())
	m.AppendInput("first")
	require.NoError(t, m.SubmitSecret())
	require.Equal(t, Confirm, m.Phase())

	require.True(t, m.BackToSecrets())
	require.Len(t, m.Prompts(), 2, "feature prompts are dropped on cancel")
	for i := 0; i < 2; i++ {
		p, ok := m.CurrentPrompt()
		require.True(t, ok)
		require.False(t, p.FromFeature)
		require.NoError(t, m.SubmitSecret())
	}
	require.Equal(t, Features, m.Phase(), "only the base prompts are asked before Features")
	require.NoError(t, m.ConfirmFeatures())

	prompts := m.Prompts()
	require.Len(t, prompts, 3, "feature prompts are rebuilt, not appended again")
	require.Nil(t, prompts[2].Value)
	require.Nil(t, m.Config().Features[0].Secrets[0].Value)
}

func TestCancelThenDisableFeatureSkipsItsPrompt(t *testing.T) {
	t.Parallel()

	rm := twoImageManifest()
	rm.OptionalFeatures = []manifest.Feature{{ID: "chat", Name: "Chat", DefaultEnabled: true, Secrets: []string{"CHAT_TOKEN"}}}
	m := newTestManager(t, rm)
	m.Advance()
	m.AppendInput("oauth")
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SkipSecret())
	require.NoError(t, m.ConfirmFeatures())
	m.AppendInput("chat-token")
	require.NoError(t, m.SubmitSecret())
	require.Equal(t, Confirm, m.Phase())

	require.True(t, m.BackToSecrets())
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SubmitSecret())
	require.Equal(t, Features, m.Phase())

	m.ToggleFeature()
	require.NoError(t, m.ConfirmFeatures())
	require.Equal(t, Confirm, m.Phase())
	require.Len(t, m.Prompts(), 2)
	require.Empty(t, m.Config().EnabledFeatures())
}

func TestRequiredSecretCannotBeSkipped(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest())
	m.Advance()

	var vErr ValidationError
	require.ErrorAs(t, m.SkipSecret(), &vErr)
	require.ErrorAs(t, m.SubmitSecret(), &vErr)
	require.Zero(t, m.Cursor())

	m.AppendInput("ab\x01c")
	require.Equal(t, "abc", m.Input())
	m.Backspace()
	require.Equal(t, "ab", m.Input())
}

func TestIntentsRejectedOutsideTheirPhase(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest())
	var tErr TransitionError
	require.ErrorAs(t, m.SubmitSecret(), &tErr)
	require.ErrorAs(t, m.ConfirmFeatures(), &tErr)
	require.ErrorAs(t, m.ApplyConfirm(), &tErr)

	m.AppendInput("ignored")
	require.Empty(t, m.Input())
}

func TestAuthTokenGeneratedOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	m := newTestManager(t, twoImageManifest(), WithTokenGenerator(func() (string, error) {
		calls++
		return "token", nil
	}))
	m.Advance()
	m.AppendInput("oauth")
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SkipSecret())
	require.NoError(t, m.ConfirmFeatures())
	require.True(t, m.BackToSecrets())
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SkipSecret())
	require.NoError(t, m.ConfirmFeatures())

	require.Equal(t, 1, calls)
	require.Equal(t, "token", m.Config().AuthToken)
}

func TestTokenFailureKeepsFeaturesPhase(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest(), WithTokenGenerator(func() (string, error) {
		return "", errors.New("entropy unavailable")
	}))
	m.Advance()
	m.AppendInput("oauth")
	require.NoError(t, m.SubmitSecret())
	require.NoError(t, m.SkipSecret())

	var tokErr TokenError
	require.ErrorAs(t, m.ConfirmFeatures(), &tokErr)
	require.Equal(t, Features, m.Phase())
}

func TestFeatureCursorClamps(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manifest.Default())
	for m.Phase() != Features {
		m.Advance()
	}
	m.MoveFeatureCursor(-1)
	require.Zero(t, m.FeatureCursor())
	m.MoveFeatureCursor(100)
	require.Equal(t, len(m.Config().Features)-1, m.FeatureCursor())
	m.ToggleFeature()
	require.True(t, m.Config().Features[m.FeatureCursor()].Enabled)
}

func TestStatusTablesCountTerminalStatesOnce(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest())
	require.True(t, m.BeginDeploy([]string{"Namespace", "Secrets"}))
	require.False(t, m.BeginDeploy([]string{"other"}))

	require.True(t, m.MarkStep(0, ItemStatus{State: ItemFailed, Message: "boom"}))
	require.False(t, m.MarkStep(0, ItemStatus{State: ItemDone}))
	require.False(t, m.MarkStep(7, ItemStatus{State: ItemDone}))
	require.Equal(t, Progress{Done: 1, Total: 2}, m.DeployProgress())

	require.True(t, m.MarkStep(1, ItemStatus{State: ItemDone}))
	require.Equal(t, Progress{Done: 2, Total: 2}, m.DeployProgress())
	statuses := m.DeployStatuses()
	require.Equal(t, "boom", statuses[0].Status.Message)
}

func TestPodsUpsertByName(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest())
	m.UpsertPod(PodHealth{Name: "brain-1", Workload: "brain"})
	m.UpsertPod(PodHealth{Name: "worker-1", Workload: "worker"})
	m.UpsertPod(PodHealth{Name: "brain-1", Workload: "brain", Ready: true})

	pods := m.Pods()
	require.Len(t, pods, 2)
	require.Equal(t, "brain-1", pods[0].Name)
	require.True(t, pods[0].Ready)

	m.RecordRecovery("brain", 2)
	m.RecordRecovery("brain", 1)
	require.Equal(t, 2, m.Recoveries("brain"))
}

func TestAutoAdvance(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, twoImageManifest())
	require.False(t, m.AutoAdvance())

	m.SetPreflight("kind-test", []Named{{Name: "Cluster", Status: ItemStatus{State: ItemFailed}}})
	require.False(t, m.AutoAdvance())
	m.SetPreflight("kind-test", []Named{{Name: "Cluster", Status: ItemStatus{State: ItemDone}}})
	require.True(t, m.AutoAdvance())
	require.Equal(t, Secrets, m.Phase())
	require.False(t, m.AutoAdvance())

	for m.Phase() != Pull {
		m.Advance()
	}
	require.False(t, m.AutoAdvance(), "pull not started")
	m.BeginPull([]string{"a"})
	require.False(t, m.AutoAdvance())
	m.MarkPull(0, ItemStatus{State: ItemFailed})
	require.True(t, m.AutoAdvance())

	m.BeginDeploy([]string{"Namespace"})
	m.MarkStep(0, ItemStatus{State: ItemDone})
	require.False(t, m.AutoAdvance(), "waits for the sequence-complete signal")
	m.FinishDeploy()
	require.True(t, m.AutoAdvance())

	require.True(t, m.BeginHealth([]string{"brain"}))
	require.False(t, m.BeginHealth([]string{"brain"}))
	m.SetHealthFailed([]PodHealth{{Name: "brain-1", Workload: "brain"}}, "timed out")
	require.False(t, m.AutoAdvance())
	outcome, reason := m.HealthOutcome()
	require.Equal(t, HealthTimedOut, outcome)
	require.Equal(t, "timed out", reason)
}

func TestNewManagerDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewManager(nil)
	require.IsType(t, ValidationError{}, err)

	rm := twoImageManifest()
	rm.Defaults = manifest.Defaults{}
	m := newTestManager(t, rm, WithNamespace("custom"))
	cfg := m.Config()
	require.Equal(t, DefaultAgentName, cfg.AgentName)
	require.Equal(t, "custom", cfg.Namespace)
	require.Equal(t, "Not set", cfg.AuthMethod())
}

func newTestManager(t *testing.T, rm *manifest.ReleaseManifest, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(rm, opts...)
	require.NoError(t, err)
	return m
}

func twoImageManifest() *manifest.ReleaseManifest {
	return &manifest.ReleaseManifest{
		SchemaVersion: 1,
		Version:       "v0.1.0",
		Images: []manifest.Image{
			{Component: "brain", Image: "bakerst-brain:latest", Required: true},
			{Component: "worker", Image: "bakerst-worker:latest", Required: true},
		},
		RequiredSecrets: []manifest.Secret{
			{Key: KeyOAuthToken, Description: "OAuth token", Required: true, InputType: manifest.InputKindSecret},
			{Key: KeyAPIKey, Description: "API key", InputType: manifest.InputKindSecret},
		},
		Defaults: manifest.Defaults{AgentName: "Baker", Namespace: "bakerst"},
	}
}
