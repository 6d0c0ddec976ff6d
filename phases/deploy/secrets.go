package deploy

import (
	"sort"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/utils/manifest"
)

// Target secret names.
const (
	BrainSecrets      = "bakerst-brain-secrets"
	WorkerSecrets     = "bakerst-worker-secrets"
	GatewaySecrets    = "bakerst-gateway-secrets"
	GitHubSecrets     = "bakerst-ext-github-secrets"
	PerplexitySecrets = "bakerst-ext-perplexity-secrets"
)

// KeyAuthToken is the shared inter-service auth token.
const KeyAuthToken = "AUTH_TOKEN"

// Keys with fixed routing.
var (
	messagingKeys = map[string]bool{
		"TELEGRAM_BOT_TOKEN": true,
		"DISCORD_BOT_TOKEN":  true,
	}
	providerTargets = map[string]string{
		"GITHUB_TOKEN":       GitHubSecrets,
		"PERPLEXITY_API_KEY": PerplexitySecrets,
	}
)

// SecretGroup is the data of one target secret.
type SecretGroup struct {
	Name string
	Data map[string]string
}

// DistributeSecrets partitions collected values into target secrets. The
// brain, worker and gateway groups are always present; provider groups
// only when they received a value. Groups are sorted by name.
func DistributeSecrets(cfg phases.InstallConfig, rm *manifest.ReleaseManifest) []SecretGroup {
	groups := map[string]map[string]string{
		BrainSecrets:   {},
		WorkerSecrets:  {},
		GatewaySecrets: {},
	}
	put := func(group, key string, value *string) {
		if value == nil || *value == "" {
			return
		}
		if groups[group] == nil {
			groups[group] = map[string]string{}
		}
		groups[group][key] = *value
	}

	put(BrainSecrets, phases.KeyOAuthToken, cfg.OAuthToken)
	put(WorkerSecrets, phases.KeyOAuthToken, cfg.OAuthToken)
	put(BrainSecrets, phases.KeyAPIKey, cfg.APIKey)
	put(WorkerSecrets, phases.KeyAPIKey, cfg.APIKey)
	put(BrainSecrets, phases.KeyVoyageKey, cfg.VoyageAPIKey)

	if cfg.AuthToken != "" {
		token := cfg.AuthToken
		put(BrainSecrets, KeyAuthToken, &token)
		put(GatewaySecrets, KeyAuthToken, &token)
	}

	for key, value := range cfg.Extra {
		value := value
		for _, target := range extraTargets(rm, key) {
			put(target, key, &value)
		}
	}

	for _, f := range cfg.Features {
		if !f.Enabled {
			continue
		}
		for _, s := range f.Secrets {
			switch {
			case messagingKeys[s.Key]:
				put(GatewaySecrets, s.Key, s.Value)
			case providerTargets[s.Key] != "":
				put(providerTargets[s.Key], s.Key, s.Value)
			default:
				put(BrainSecrets, s.Key, s.Value)
			}
		}
	}

	out := make([]SecretGroup, 0, len(groups))
	for name, data := range groups {
		out = append(out, SecretGroup{Name: name, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// extraTargets routes a manifest-declared secret without a dedicated
// config field to its declared targets, or the brain group.
func extraTargets(rm *manifest.ReleaseManifest, key string) []string {
	if rm != nil {
		for _, s := range rm.RequiredSecrets {
			if s.Key == key && len(s.TargetSecrets) > 0 {
				return s.TargetSecrets
			}
		}
	}
	return []string{BrainSecrets}
}
