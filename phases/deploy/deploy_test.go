package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/utils/manifest"
)

func TestPlanOrderWithDefaultManifest(t *testing.T) {
	t.Parallel()

	steps := Plan(manifest.Default(), testConfig(), Options{InstallID: "id-1"})
	require.Equal(t, []string{
		"Namespace", "Secrets", "ConfigMaps", "Storage", "RBAC",
		"NATS", "Qdrant", "Brain", "Worker", "Gateway", "UI",
		"Network Policies",
		"Voice", "Sysadmin", "Toolbox", "Browser",
	}, StepNames(steps))
	require.Equal(t, []string{
		"nats", "qdrant", "brain", "worker", "gateway", "ui",
		"voice", "sysadmin", "ext-toolbox", "ext-browser",
	}, Workloads(steps))
}

func TestPlanSkipsUndeclaredAndExtensions(t *testing.T) {
	t.Parallel()

	rm := manifest.Default()
	rm.Images = rm.Images[:5] // brain, worker, ui, gateway, sysadmin

	steps := Plan(rm, testConfig(), Options{SkipExtensions: true})
	names := StepNames(steps)
	require.Equal(t, "Sysadmin", names[len(names)-1])
	require.NotContains(t, names, "Voice")

	full := Plan(manifest.Default(), testConfig(), Options{SkipExtensions: true})
	require.NotContains(t, StepNames(full), "Toolbox")
	require.NotContains(t, StepNames(full), "Browser")
	require.Contains(t, StepNames(full), "Voice")
}

func TestImages(t *testing.T) {
	t.Parallel()

	rm := manifest.Default()
	require.Len(t, Images(rm, Options{}), 8)
	require.Equal(t, []string{
		"bakerst-brain:latest", "bakerst-worker:latest", "bakerst-ui:latest",
		"bakerst-gateway:latest", "bakerst-sysadmin:latest", "bakerst-voice:latest",
	}, Images(rm, Options{SkipExtensions: true}))
	require.Nil(t, Images(nil, Options{}))
}

func TestImageVar(t *testing.T) {
	t.Parallel()

	require.Equal(t, "BRAIN_IMAGE", ImageVar("brain"))
	require.Equal(t, "TOOLBOX_IMAGE", ImageVar("ext-toolbox"))
	require.Equal(t, "MULTI_WORD_IMAGE", ImageVar("multi-word"))
}

func TestStepsRenderManifestImages(t *testing.T) {
	t.Parallel()

	rm := manifest.Default()
	for i := range rm.Images {
		if rm.Images[i].Component == "brain" {
			rm.Images[i].Image = "ghcr.io/bakerst/brain:1.2.3"
		}
	}
	a := &fakeApplier{}
	results := NewSequencer().Run(context.Background(), connectTo(a), Plan(rm, testConfig(), Options{InstallID: "id-1"}), nil)
	for _, r := range results {
		require.NoError(t, r.Err, r.Name)
	}

	docs := a.docsFor("Brain")
	require.Contains(t, docs, "ghcr.io/bakerst/brain:1.2.3")
	require.NotContains(t, strings.Join(a.docs, "\n"), "{{NAMESPACE}}")
	require.Contains(t, a.docs[0], `bakerst.io/install-id: "id-1"`)

	require.Contains(t, a.configMaps, OSConfigMap)
	require.Contains(t, a.configMaps[OSConfigMap]["BRAIN.md"], "Baker")
	require.Equal(t, "telegram", a.configMaps[ConfigConfigMap]["FEATURES"])
}

func TestStorageUsesHostPathWithDataDir(t *testing.T) {
	t.Parallel()

	storageDoc := func(opts Options) string {
		a := &fakeApplier{}
		for _, s := range Plan(manifest.Default(), testConfig(), opts) {
			if s.Name == "Storage" {
				require.NoError(t, s.Run(context.Background(), a))
			}
		}
		require.Len(t, a.docs, 1)
		return a.docs[0]
	}

	doc := storageDoc(Options{DataDir: "/srv/bakerst/"})
	require.Contains(t, doc, "kind: PersistentVolume\n")
	require.Contains(t, doc, "path: /srv/bakerst/brain")
	require.Contains(t, doc, "volumeName: bakerst-qdrant-data-bakerst")
	require.NotContains(t, doc, "{{")

	doc = storageDoc(Options{})
	require.NotContains(t, doc, "hostPath")
	require.Contains(t, doc, "name: bakerst-brain-data")
}

func TestSequencerReportsEveryStepInOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mk := func(name string, err error) Step {
		return Step{Name: name, Run: func(context.Context, Applier) error {
			order = append(order, name)
			return err
		}}
	}
	steps := []Step{mk("Namespace", nil), mk("Secrets", errors.New("forbidden")), mk("Brain", nil)}

	events := make(chan Event, EventBuffer(len(steps)))
	results := NewSequencer().Run(context.Background(), connectTo(&fakeApplier{}), steps, events)
	close(events)

	require.Equal(t, []string{"Namespace", "Secrets", "Brain"}, order)
	require.Len(t, results, 3)
	require.Error(t, results[1].Err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	for i := 0; i < 3; i++ {
		require.Equal(t, StepFinished, got[i].Kind)
		require.Equal(t, i, got[i].Index)
	}
	require.EqualError(t, got[1].Err, "forbidden")
	require.Equal(t, SequenceComplete, got[3].Kind)
}

func TestSequencerConnectFailureShortCircuits(t *testing.T) {
	t.Parallel()

	ran := false
	steps := []Step{
		{Name: "Namespace", Run: func(context.Context, Applier) error { ran = true; return nil }},
		{Name: "Secrets", Run: func(context.Context, Applier) error { ran = true; return nil }},
	}
	connect := func(context.Context) (Applier, error) {
		return nil, errors.New("cannot reach Kubernetes API endpoint")
	}

	events := make(chan Event, EventBuffer(len(steps)))
	results := NewSequencer().Run(context.Background(), connect, steps, events)
	close(events)

	require.False(t, ran)
	require.Len(t, results, 1)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, Event{Kind: StepFinished, Index: 0, Name: "Namespace", Err: results[0].Err}, got[0])
	require.Equal(t, SequenceComplete, got[1].Kind)
}

func TestSequencerRecoversPanickingStep(t *testing.T) {
	t.Parallel()

	steps := []Step{
		{Name: "Broken", Run: func(context.Context, Applier) error { panic("nil map") }},
		{Name: "Next", Run: func(context.Context, Applier) error { return nil }},
	}
	results := NewSequencer().Run(context.Background(), connectTo(&fakeApplier{}), steps, nil)

	var pErr *PanicError
	require.ErrorAs(t, results[0].Err, &pErr)
	require.NoError(t, results[1].Err)
}

func TestDistributeSecrets(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.APIKey = phases.StringPtr("sk-api")
	cfg.VoyageAPIKey = phases.StringPtr("voy")
	cfg.Extra = map[string]string{"CUSTOM_KEY": "custom"}
	cfg.Features = []phases.FeatureSelection{
		{ID: "telegram", Enabled: true, Secrets: []phases.FeatureSecret{{Key: "TELEGRAM_BOT_TOKEN", Value: phases.StringPtr("tg")}}},
		{ID: "github", Enabled: true, Secrets: []phases.FeatureSecret{{Key: "GITHUB_TOKEN", Value: phases.StringPtr("gh")}}},
		{ID: "perplexity", Enabled: false, Secrets: []phases.FeatureSecret{{Key: "PERPLEXITY_API_KEY", Value: phases.StringPtr("px")}}},
		{ID: "obsidian", Enabled: true, Secrets: []phases.FeatureSecret{{Key: "OBSIDIAN_VAULT_PATH", Value: phases.StringPtr("/vault")}}},
		{ID: "empty", Enabled: true, Secrets: []phases.FeatureSecret{{Key: "DISCORD_BOT_TOKEN"}}},
	}

	groups := map[string]map[string]string{}
	for _, g := range DistributeSecrets(cfg, manifest.Default()) {
		groups[g.Name] = g.Data
	}

	require.Len(t, groups, 4)
	require.Equal(t, map[string]string{
		"ANTHROPIC_OAUTH_TOKEN": "oauth",
		"ANTHROPIC_API_KEY":     "sk-api",
		"VOYAGE_API_KEY":        "voy",
		"AUTH_TOKEN":            "token",
		"CUSTOM_KEY":            "custom",
		"OBSIDIAN_VAULT_PATH":   "/vault",
	}, groups[BrainSecrets])
	require.Equal(t, map[string]string{
		"ANTHROPIC_OAUTH_TOKEN": "oauth",
		"ANTHROPIC_API_KEY":     "sk-api",
	}, groups[WorkerSecrets])
	require.Equal(t, map[string]string{
		"AUTH_TOKEN":         "token",
		"TELEGRAM_BOT_TOKEN": "tg",
	}, groups[GatewaySecrets])
	require.Equal(t, map[string]string{"GITHUB_TOKEN": "gh"}, groups[GitHubSecrets])
	require.NotContains(t, groups, PerplexitySecrets)
}

func TestDistributeSecretsHonorsDeclaredTargets(t *testing.T) {
	t.Parallel()

	rm := manifest.Default()
	rm.RequiredSecrets = append(rm.RequiredSecrets, manifest.Secret{Key: "WORKER_ONLY", TargetSecrets: []string{WorkerSecrets}})
	cfg := phases.InstallConfig{Extra: map[string]string{"WORKER_ONLY": "w"}}

	for _, g := range DistributeSecrets(cfg, rm) {
		switch g.Name {
		case WorkerSecrets:
			require.Equal(t, "w", g.Data["WORKER_ONLY"])
		default:
			require.NotContains(t, g.Data, "WORKER_ONLY")
		}
	}
}

func testConfig() phases.InstallConfig {
	return phases.InstallConfig{
		OAuthToken: phases.StringPtr("oauth"),
		AgentName:  "Baker",
		AuthToken:  "token",
		Namespace:  "bakerst",
		Features: []phases.FeatureSelection{
			{ID: "telegram", Name: "Telegram", Enabled: true},
			{ID: "github", Name: "GitHub"},
		},
	}
}

func connectTo(a Applier) Connector {
	return func(context.Context) (Applier, error) { return a, nil }
}

type fakeApplier struct {
	mu         sync.Mutex
	docs       []string
	secrets    map[string]map[string]string
	configMaps map[string]map[string]string
}

func (f *fakeApplier) ApplyYAML(_ context.Context, namespace, doc string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if namespace != "bakerst" {
		return nil, errors.New("unexpected namespace " + namespace)
	}
	f.docs = append(f.docs, doc)
	return []string{"ok"}, nil
}

func (f *fakeApplier) ApplySecret(_ context.Context, _, name string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.secrets == nil {
		f.secrets = map[string]map[string]string{}
	}
	f.secrets[name] = data
	return nil
}

func (f *fakeApplier) ApplyConfigMap(_ context.Context, _, name string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configMaps == nil {
		f.configMaps = map[string]map[string]string{}
	}
	f.configMaps[name] = data
	return nil
}

func (f *fakeApplier) docsFor(kind string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := "name: " + strings.ToLower(kind) + "\n"
	for _, d := range f.docs {
		if strings.Contains(d, needle) && strings.Contains(d, "kind: Deployment") {
			return d
		}
	}
	return ""
}
