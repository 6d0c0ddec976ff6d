// Package manifest describes the release descriptor consumed by the installer
// and the ways to obtain one: a local file, the GitHub release asset, or the
// built-in default.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Input kinds declared by required secrets.
const (
	InputKindSecret = "secret"
	InputKindText   = "text"
)

// ReleaseManifest is the parsed release descriptor.
type ReleaseManifest struct {
	SchemaVersion      int               `json:"schemaVersion" validate:"gte=1"`
	Version            string            `json:"version" validate:"required"`
	Date               string            `json:"date"`
	MinSysadminVersion string            `json:"minSysadminVersion"`
	ReleaseNotes       string            `json:"releaseNotes"`
	Images             []Image           `json:"images" validate:"required,min=1,dive"`
	RequiredSecrets    []Secret          `json:"requiredSecrets" validate:"dive"`
	OptionalFeatures   []Feature         `json:"optionalFeatures" validate:"dive"`
	Defaults           Defaults          `json:"defaults"`
	Checksums          map[string]string `json:"checksums,omitempty"`
}

// Image is one component image of the release.
type Image struct {
	Component string `json:"component" validate:"required"`
	Image     string `json:"image" validate:"required"`
	Version   string `json:"version"`
	Digest    string `json:"digest"`
	Required  bool   `json:"required"`
}

// Secret is a base secret the operator is prompted for.
type Secret struct {
	Key           string   `json:"key" validate:"required"`
	Description   string   `json:"description"`
	Required      bool     `json:"required"`
	InputType     string   `json:"inputType" validate:"omitempty,oneof=secret text"`
	TargetSecrets []string `json:"targetSecrets"`
}

// Feature is an optional feature the operator may enable.
type Feature struct {
	ID             string   `json:"id" validate:"required"`
	Name           string   `json:"name" validate:"required"`
	Description    string   `json:"description"`
	DefaultEnabled bool     `json:"defaultEnabled"`
	Secrets        []string `json:"secrets"`
}

// Defaults carries install defaults suggested by the release.
type Defaults struct {
	AgentName       string `json:"agentName"`
	Namespace       string `json:"namespace"`
	ResourceProfile string `json:"resourceProfile"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and cross-field rules (unique components,
// unique secret keys, unique feature ids).
func (m *ReleaseManifest) Validate() error {
	if m == nil {
		return ValidationError{Reason: "manifest is nil"}
	}
	if err := validate.Struct(m); err != nil {
		return ValidationError{Reason: err.Error()}
	}
	if dup := firstDuplicate(len(m.Images), func(i int) string { return m.Images[i].Component }); dup != "" {
		return ValidationError{Reason: fmt.Sprintf("duplicate image component %q", dup)}
	}
	if dup := firstDuplicate(len(m.RequiredSecrets), func(i int) string { return m.RequiredSecrets[i].Key }); dup != "" {
		return ValidationError{Reason: fmt.Sprintf("duplicate secret key %q", dup)}
	}
	if dup := firstDuplicate(len(m.OptionalFeatures), func(i int) string { return m.OptionalFeatures[i].ID }); dup != "" {
		return ValidationError{Reason: fmt.Sprintf("duplicate feature id %q", dup)}
	}
	return nil
}

// HasImage reports whether the manifest declares the component.
func (m *ReleaseManifest) HasImage(component string) bool {
	_, ok := m.ImageFor(component)
	return ok
}

// ImageFor returns the image reference of a component.
func (m *ReleaseManifest) ImageFor(component string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, img := range m.Images {
		if img.Component == component {
			return img.Image, true
		}
	}
	return "", false
}

// Clone returns a deep copy safe to hand to background work.
func (m *ReleaseManifest) Clone() *ReleaseManifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Images = append([]Image(nil), m.Images...)
	out.RequiredSecrets = make([]Secret, len(m.RequiredSecrets))
	for i, s := range m.RequiredSecrets {
		s.TargetSecrets = append([]string(nil), s.TargetSecrets...)
		out.RequiredSecrets[i] = s
	}
	out.OptionalFeatures = make([]Feature, len(m.OptionalFeatures))
	for i, f := range m.OptionalFeatures {
		f.Secrets = append([]string(nil), f.Secrets...)
		out.OptionalFeatures[i] = f
	}
	if m.Checksums != nil {
		out.Checksums = make(map[string]string, len(m.Checksums))
		for k, v := range m.Checksums {
			out.Checksums[k] = v
		}
	}
	return &out
}

// Parse decodes and validates a JSON manifest.
func Parse(data []byte) (*ReleaseManifest, error) {
	var m ReleaseManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads a manifest from a local path.
func LoadFile(path string) (*ReleaseManifest, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ValidationError{Reason: "manifest path is required"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

// Default is used when no release manifest can be fetched; it points at
// locally built :latest images.
func Default() *ReleaseManifest {
	return &ReleaseManifest{
		SchemaVersion:      1,
		Version:            "local",
		Date:               time.Now().UTC().Format(time.RFC3339),
		MinSysadminVersion: "0.0.0",
		ReleaseNotes:       "Local development deployment",
		Images: []Image{
			localImage("brain", true),
			localImage("worker", true),
			localImage("ui", true),
			localImage("gateway", true),
			localImage("sysadmin", false),
			localImage("voice", false),
			localImage("ext-toolbox", false),
			localImage("ext-browser", false),
		},
		RequiredSecrets: []Secret{
			{
				Key:           "ANTHROPIC_OAUTH_TOKEN",
				Description:   "Anthropic OAuth token for Claude",
				Required:      true,
				InputType:     InputKindSecret,
				TargetSecrets: []string{"bakerst-brain-secrets", "bakerst-worker-secrets"},
			},
			{
				Key:           "ANTHROPIC_API_KEY",
				Description:   "Anthropic API key (fallback if no OAuth token)",
				InputType:     InputKindSecret,
				TargetSecrets: []string{"bakerst-brain-secrets", "bakerst-worker-secrets"},
			},
			{
				Key:           "VOYAGE_API_KEY",
				Description:   "Voyage AI API key for embeddings",
				InputType:     InputKindSecret,
				TargetSecrets: []string{"bakerst-brain-secrets"},
			},
		},
		OptionalFeatures: []Feature{
			{ID: "telegram", Name: "Telegram", Description: "Telegram bot gateway adapter", Secrets: []string{"TELEGRAM_BOT_TOKEN"}},
			{ID: "github", Name: "GitHub", Description: "GitHub extension for repo access", Secrets: []string{"GITHUB_TOKEN"}},
			{ID: "perplexity", Name: "Perplexity", Description: "Perplexity AI search and research tools", Secrets: []string{"PERPLEXITY_API_KEY"}},
			{ID: "browser", Name: "Browser", Description: "AI-driven browser automation extension"},
			{ID: "obsidian", Name: "Obsidian", Description: "Obsidian vault extension", Secrets: []string{"OBSIDIAN_VAULT_PATH"}},
		},
		Defaults: Defaults{
			AgentName:       "Baker",
			Namespace:       "bakerst",
			ResourceProfile: "standard",
		},
		Checksums: map[string]string{},
	}
}

func localImage(component string, required bool) Image {
	return Image{
		Component: component,
		Image:     fmt.Sprintf("bakerst-%s:latest", component),
		Version:   "latest",
		Required:  required,
	}
}

func firstDuplicate(n int, key func(int) string) string {
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		k := key(i)
		if _, ok := seen[k]; ok {
			return k
		}
		seen[k] = struct{}{}
	}
	return ""
}
