package phases

// Secret keys with a dedicated InstallConfig field.
const (
	KeyOAuthToken = "ANTHROPIC_OAUTH_TOKEN"
	KeyAPIKey     = "ANTHROPIC_API_KEY"
	KeyVoyageKey  = "VOYAGE_API_KEY"
)

// DefaultAgentName is used when the manifest does not provide one.
const DefaultAgentName = "Baker"

// DefaultNamespace is used when neither flags nor the manifest provide one.
const DefaultNamespace = "bakerst"

// InstallConfig accumulates operator choices across the Secrets and
// Features phases.
type InstallConfig struct {
	OAuthToken   *string
	APIKey       *string
	VoyageAPIKey *string
	// Extra holds values for manifest secrets without a dedicated field.
	Extra     map[string]string
	AgentName string
	AuthToken string
	Namespace string
	Features  []FeatureSelection
}

// FeatureSelection is an optional feature and the secrets captured for it.
type FeatureSelection struct {
	ID      string
	Name    string
	Enabled bool
	Secrets []FeatureSecret
}

// FeatureSecret is one (key, optional value) pair of a feature.
type FeatureSecret struct {
	Key   string
	Value *string
}

// SecretPrompt is one secret the operator is asked for.
type SecretPrompt struct {
	Key         string
	Description string
	Required    bool
	Kind        InputKind
	FromFeature bool
	FeatureID   string
	// Value is nil when the prompt was skipped or not answered yet.
	Value *string
}

// Masked reports whether input should be hidden while typing.
func (p SecretPrompt) Masked() bool {
	return p.Kind != InputKindText
}

// AuthMethod names the credential the install will use.
func (c InstallConfig) AuthMethod() string {
	switch {
	case c.OAuthToken != nil:
		return "OAuth Token"
	case c.APIKey != nil:
		return "API Key"
	default:
		return "Not set"
	}
}

// EnabledFeatures returns the selected features in order.
func (c InstallConfig) EnabledFeatures() []FeatureSelection {
	var out []FeatureSelection
	for _, f := range c.Features {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy that can be handed to background work.
func (c InstallConfig) Clone() InstallConfig {
	out := c
	out.OAuthToken = cloneString(c.OAuthToken)
	out.APIKey = cloneString(c.APIKey)
	out.VoyageAPIKey = cloneString(c.VoyageAPIKey)
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	out.Features = make([]FeatureSelection, len(c.Features))
	for i, f := range c.Features {
		secrets := make([]FeatureSecret, len(f.Secrets))
		for j, s := range f.Secrets {
			secrets[j] = FeatureSecret{Key: s.Key, Value: cloneString(s.Value)}
		}
		f.Secrets = secrets
		out.Features[i] = f
	}
	return out
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}
