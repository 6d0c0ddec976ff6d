package deploy

import (
	"context"
	"fmt"
	"strings"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/utils/manifest"
	"github.com/baker-street/bakerst-install/utils/templates"
)

// ConfigMap names.
const (
	OSConfigMap      = "bakerst-os"
	ConfigConfigMap  = "bakerst-config"
	extensionsPrefix = "ext-"
)

// AccessURL is where the UI service is exposed (NodePort 30080).
const AccessURL = "http://localhost:30080"

// Applier is the cluster surface a deploy step needs.
type Applier interface {
	ApplyYAML(ctx context.Context, namespace, doc string) ([]string, error)
	ApplySecret(ctx context.Context, namespace, name string, data map[string]string) error
	ApplyConfigMap(ctx context.Context, namespace, name string, data map[string]string) error
}

// Step is one named unit of the deploy sequence.
type Step struct {
	Name string
	// Workload is the deployment created by the step, if any.
	Workload string
	Run      func(ctx context.Context, a Applier) error
}

// Options tunes the plan.
type Options struct {
	SkipExtensions bool
	InstallID      string
	// DataDir switches storage to hostPath volumes under this directory.
	DataDir string
}

type component struct {
	step      string
	template  string
	workload  string
	extension bool
}

var coreComponents = []component{
	{step: "NATS", template: templates.NATS, workload: "nats"},
	{step: "Qdrant", template: templates.Qdrant, workload: "qdrant"},
	{step: "Brain", template: templates.Brain, workload: "brain"},
	{step: "Worker", template: templates.Worker, workload: "worker"},
	{step: "Gateway", template: templates.Gateway, workload: "gateway"},
	{step: "UI", template: templates.UI, workload: "ui"},
}

var optionalComponents = []component{
	{step: "Voice", template: templates.Voice, workload: "voice"},
	{step: "Sysadmin", template: templates.Sysadmin, workload: "sysadmin"},
	{step: "Toolbox", template: templates.Toolbox, workload: "ext-toolbox", extension: true},
	{step: "Browser", template: templates.Browser, workload: "ext-browser", extension: true},
}

// Plan derives the ordered deploy steps from the manifest and config.
func Plan(rm *manifest.ReleaseManifest, cfg phases.InstallConfig, opts Options) []Step {
	ns := cfg.Namespace
	vars := TemplateVars(rm, cfg, opts)

	steps := []Step{
		{Name: "Namespace", Run: applyTemplate(templates.Namespace, ns, vars)},
		{Name: "Secrets", Run: func(ctx context.Context, a Applier) error {
			for _, g := range DistributeSecrets(cfg, rm) {
				if err := a.ApplySecret(ctx, ns, g.Name, g.Data); err != nil {
					return err
				}
			}
			return nil
		}},
		{Name: "ConfigMaps", Run: func(ctx context.Context, a Applier) error {
			files, err := templates.OSFiles(vars)
			if err != nil {
				return err
			}
			if err := a.ApplyConfigMap(ctx, ns, OSConfigMap, files); err != nil {
				return err
			}
			return a.ApplyConfigMap(ctx, ns, ConfigConfigMap, configData(rm, cfg, opts))
		}},
		{Name: "Storage", Run: applyTemplate(storageTemplate(opts), ns, vars)},
		{Name: "RBAC", Run: applyTemplate(templates.RBAC, ns, vars)},
	}
	for _, c := range coreComponents {
		steps = append(steps, Step{Name: c.step, Workload: c.workload, Run: applyTemplate(c.template, ns, vars)})
	}
	steps = append(steps, Step{Name: "Network Policies", Run: applyTemplate(templates.NetworkPolicies, ns, vars)})

	for _, c := range optionalComponents {
		if !rm.HasImage(c.workload) {
			continue
		}
		if c.extension && opts.SkipExtensions {
			continue
		}
		steps = append(steps, Step{Name: c.step, Workload: c.workload, Run: applyTemplate(c.template, ns, vars)})
	}
	return steps
}

func storageTemplate(opts Options) string {
	if dataDir(opts) != "" {
		return templates.HostPathPVCs
	}
	return templates.PVCs
}

// dataDir is the cleaned hostPath root; "/" is kept as is.
func dataDir(opts Options) string {
	dir := strings.TrimSpace(opts.DataDir)
	if len(dir) > 1 {
		dir = strings.TrimRight(dir, "/")
	}
	return dir
}

// Images lists the image references to pull, in manifest order. Extension
// images are left out when extensions are disabled.
func Images(rm *manifest.ReleaseManifest, opts Options) []string {
	if rm == nil {
		return nil
	}
	var out []string
	for _, img := range rm.Images {
		if opts.SkipExtensions && strings.HasPrefix(img.Component, extensionsPrefix) {
			continue
		}
		out = append(out, img.Image)
	}
	return out
}

// Workloads lists the deployments created by steps, in order.
func Workloads(steps []Step) []string {
	var out []string
	for _, s := range steps {
		if s.Workload != "" {
			out = append(out, s.Workload)
		}
	}
	return out
}

// StepNames lists step names in order.
func StepNames(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

// ImageVar maps a component name to its template variable
// (ext-toolbox -> TOOLBOX_IMAGE).
func ImageVar(component string) string {
	name := strings.TrimPrefix(component, extensionsPrefix)
	name = strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return name + "_IMAGE"
}

// TemplateVars builds the substitution map for every template.
func TemplateVars(rm *manifest.ReleaseManifest, cfg phases.InstallConfig, opts Options) map[string]string {
	vars := map[string]string{
		"NAMESPACE":  cfg.Namespace,
		"AGENT_NAME": cfg.AgentName,
		"INSTALL_ID": opts.InstallID,
	}
	if dir := dataDir(opts); dir != "" {
		vars["DATA_DIR"] = dir
	}
	for _, c := range append(append([]component(nil), coreComponents...), optionalComponents...) {
		vars[ImageVar(c.workload)] = fmt.Sprintf("bakerst-%s:latest", c.workload)
	}
	if rm != nil {
		for _, img := range rm.Images {
			vars[ImageVar(img.Component)] = img.Image
		}
	}
	return vars
}

func configData(rm *manifest.ReleaseManifest, cfg phases.InstallConfig, opts Options) map[string]string {
	var enabled []string
	for _, f := range cfg.EnabledFeatures() {
		enabled = append(enabled, f.ID)
	}
	version := "local"
	if rm != nil && rm.Version != "" {
		version = rm.Version
	}
	return map[string]string{
		"AGENT_NAME": cfg.AgentName,
		"NAMESPACE":  cfg.Namespace,
		"FEATURES":   strings.Join(enabled, ","),
		"VERSION":    version,
		"INSTALL_ID": opts.InstallID,
	}
}

func applyTemplate(name, namespace string, vars map[string]string) func(context.Context, Applier) error {
	return func(ctx context.Context, a Applier) error {
		doc, err := templates.RenderNamed(name, vars)
		if err != nil {
			return err
		}
		_, err = a.ApplyYAML(ctx, namespace, doc)
		return err
	}
}
