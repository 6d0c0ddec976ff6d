// Package templates holds the embedded resource documents applied during
// deploy along with the small string helpers the installer needs around them.
package templates

import (
	"crypto/rand"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Template names, one per deploy step that applies documents.
const (
	Namespace       = "namespace.yaml"
	PVCs            = "pvcs.yaml"
	HostPathPVCs    = "pvcs-hostpath.yaml"
	RBAC            = "rbac.yaml"
	NATS            = "nats.yaml"
	Qdrant          = "qdrant.yaml"
	Brain           = "brain.yaml"
	Worker          = "worker.yaml"
	Gateway         = "gateway.yaml"
	UI              = "ui.yaml"
	Voice           = "voice.yaml"
	Sysadmin        = "sysadmin.yaml"
	Toolbox         = "toolbox.yaml"
	Browser         = "browser.yaml"
	NetworkPolicies = "network-policies.yaml"
)

const authTokenBytes = 32

//go:embed manifests/*.yaml
var manifestFS embed.FS

//go:embed osfiles/*
var osFS embed.FS

// NotFoundError reports a template name that is not embedded.
type NotFoundError struct {
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// Get returns the raw (unrendered) template with the provided name.
func Get(name string) (string, error) {
	data, err := manifestFS.ReadFile(path.Join("manifests", name))
	if err != nil {
		return "", NotFoundError{Name: name}
	}
	return string(data), nil
}

// RenderNamed loads a template and substitutes vars in one call.
func RenderNamed(name string, vars map[string]string) (string, error) {
	raw, err := Get(name)
	if err != nil {
		return "", err
	}
	return Render(raw, vars), nil
}

// Render replaces every {{KEY}} occurrence with vars[KEY]. Placeholders
// without a matching key are left untouched.
func Render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for key, val := range vars {
		pairs = append(pairs, "{{"+key+"}}", val)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// OSFiles returns the operating files shipped in the bakerst-os ConfigMap,
// keyed by file name.
func OSFiles(vars map[string]string) (map[string]string, error) {
	entries, err := fs.ReadDir(osFS, "osfiles")
	if err != nil {
		return nil, fmt.Errorf("templates: read os files: %w", err)
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := osFS.ReadFile(path.Join("osfiles", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("templates: read %s: %w", entry.Name(), err)
		}
		out[entry.Name()] = Render(string(data), vars)
	}
	return out, nil
}

// OSFileNames lists the embedded operating file names in sorted order.
func OSFileNames() []string {
	entries, _ := fs.ReadDir(osFS, "osfiles")
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

// MaskSecret hides all but the last four characters of value.
func MaskSecret(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// GenerateAuthToken returns 32 random bytes encoded as 64 hex characters.
func GenerateAuthToken() (string, error) {
	buf := make([]byte, authTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("templates: generate auth token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
