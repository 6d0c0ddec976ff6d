// Package headless drives the installer without a terminal UI. It resolves
// secrets from the environment, runs the same coordinators as the
// interactive app and reports each phase as plain progress lines.
package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/deploy"
	"github.com/baker-street/bakerst-install/phases/health"
	"github.com/baker-street/bakerst-install/phases/pull"
	"github.com/baker-street/bakerst-install/utils/kube"
	"github.com/baker-street/bakerst-install/utils/manifest"
	"github.com/baker-street/bakerst-install/utils/metrics"
	"github.com/baker-street/bakerst-install/utils/templates"
)

// DefaultRolloutTimeout bounds the wait for each deployment.
const DefaultRolloutTimeout = 300 * time.Second

var (
	// ErrMissingCredentials reports that neither an OAuth token nor an API key was provided.
	ErrMissingCredentials = errors.New("headless: ANTHROPIC_OAUTH_TOKEN or ANTHROPIC_API_KEY must be set")
	// ErrNoManifest indicates Run was called without a release manifest.
	ErrNoManifest = errors.New("headless: a release manifest is required")
)

// ClusterError reports that the cluster could not be reached.
type ClusterError struct {
	Err error
}

func (e ClusterError) Error() string {
	return fmt.Sprintf("cluster unreachable: %v", e.Err)
}

func (e ClusterError) Unwrap() error {
	return e.Err
}

// InstallError lists what failed during an otherwise completed run.
type InstallError struct {
	Images    []string
	Steps     []string
	Workloads []string
}

func (e InstallError) Error() string {
	var parts []string
	if len(e.Images) > 0 {
		parts = append(parts, fmt.Sprintf("%d image pull(s) failed", len(e.Images)))
	}
	if len(e.Steps) > 0 {
		parts = append(parts, "deploy steps failed: "+strings.Join(e.Steps, ", "))
	}
	if len(e.Workloads) > 0 {
		parts = append(parts, "not ready: "+strings.Join(e.Workloads, ", "))
	}
	return "install incomplete: " + strings.Join(parts, "; ")
}

// Options configures a headless run.
type Options struct {
	Manifest  *manifest.ReleaseManifest
	Namespace string
	// Lookup resolves a secret by its environment variable name.
	Lookup func(key string) string
	// Features lists the ids of optional features to enable.
	Features []string

	Clients        *kube.Lazy
	Puller         pull.Puller
	PlanOptions    deploy.Options
	RolloutTimeout time.Duration
	PullOptions    []pull.Option
	HealthOptions  []health.Option
	NewToken       func() (string, error)

	Out     io.Writer
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// BuildConfig assembles the install configuration from the environment.
func BuildConfig(rm *manifest.ReleaseManifest, namespace string, lookup func(string) string, features []string) (phases.InstallConfig, error) {
	if rm == nil {
		return phases.InstallConfig{}, ErrNoManifest
	}
	if lookup == nil {
		lookup = func(string) string { return "" }
	}
	get := func(key string) *string {
		if v := strings.TrimSpace(lookup(key)); v != "" {
			return phases.StringPtr(v)
		}
		return nil
	}

	cfg := phases.InstallConfig{
		OAuthToken:   get(phases.KeyOAuthToken),
		APIKey:       get(phases.KeyAPIKey),
		VoyageAPIKey: get(phases.KeyVoyageKey),
		AgentName:    rm.Defaults.AgentName,
		Namespace:    firstNonEmpty(namespace, rm.Defaults.Namespace, phases.DefaultNamespace),
	}
	if cfg.AgentName == "" {
		cfg.AgentName = phases.DefaultAgentName
	}
	if cfg.OAuthToken == nil && cfg.APIKey == nil {
		return phases.InstallConfig{}, ErrMissingCredentials
	}

	for _, s := range rm.RequiredSecrets {
		switch s.Key {
		case phases.KeyOAuthToken, phases.KeyAPIKey, phases.KeyVoyageKey:
			continue
		}
		if v := get(s.Key); v != nil {
			if cfg.Extra == nil {
				cfg.Extra = make(map[string]string)
			}
			cfg.Extra[s.Key] = *v
		}
	}

	enabled := make(map[string]bool, len(features))
	for _, id := range features {
		enabled[strings.ToLower(strings.TrimSpace(id))] = true
	}
	for _, f := range rm.OptionalFeatures {
		sel := phases.FeatureSelection{ID: f.ID, Name: f.Name, Enabled: enabled[strings.ToLower(f.ID)]}
		for _, key := range f.Secrets {
			fs := phases.FeatureSecret{Key: key}
			if sel.Enabled {
				fs.Value = get(key)
			}
			sel.Secrets = append(sel.Secrets, fs)
		}
		cfg.Features = append(cfg.Features, sel)
	}
	return cfg, nil
}

// Run performs a complete install. It fails fast on missing credentials or
// an unreachable cluster; later failures are reported and collected into an
// InstallError.
func Run(ctx context.Context, opts Options) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := BuildConfig(opts.Manifest, opts.Namespace, opts.Lookup, opts.Features)
	if err != nil {
		return err
	}
	newToken := opts.NewToken
	if newToken == nil {
		newToken = templates.GenerateAuthToken
	}
	if cfg.AuthToken, err = newToken(); err != nil {
		return phases.TokenError{Err: err}
	}
	logger = logger.With(zap.String("namespace", cfg.Namespace))

	rm := opts.Manifest
	fmt.Fprintf(out, "Baker Street %s -> namespace %s\n", rm.Version, cfg.Namespace)

	// Preflight
	if opts.Clients == nil {
		return ClusterError{Err: errors.New("no cluster configured")}
	}
	client, err := opts.Clients.Get()
	if err != nil {
		return ClusterError{Err: err}
	}
	version, err := client.ServerVersion(ctx)
	if err != nil {
		return ClusterError{Err: err}
	}
	fmt.Fprintf(out, "[preflight] connected to %s (%s)\n", client.Identity(), version)
	logger.Info("cluster reachable", zap.String("cluster", client.Identity()), zap.String("version", version))

	var failed InstallError

	// Pull
	images := deploy.Images(rm, opts.PlanOptions)
	pullOpts := append([]pull.Option{pull.WithLogger(logger), pull.WithMetrics(opts.Metrics)}, opts.PullOptions...)
	coord, err := pull.New(opts.Puller, pullOpts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[pull] %d images\n", len(images))
	for _, r := range coord.Run(ctx, images, nil) {
		if r.Err != nil {
			failed.Images = append(failed.Images, r.Image)
			fmt.Fprintf(out, "  x %s: %v\n", r.Image, r.Err)
			continue
		}
		fmt.Fprintf(out, "  ok %s (%s)\n", r.Image, r.Elapsed.Round(100*time.Millisecond))
	}

	// Deploy
	steps := deploy.Plan(rm, cfg, opts.PlanOptions)
	fmt.Fprintf(out, "[deploy] %d steps\n", len(steps))
	seq := deploy.NewSequencer(deploy.WithLogger(logger), deploy.WithMetrics(opts.Metrics))
	connect := func(context.Context) (deploy.Applier, error) { return client, nil }
	for _, r := range seq.Run(ctx, connect, steps, nil) {
		if r.Err != nil {
			failed.Steps = append(failed.Steps, r.Name)
			fmt.Fprintf(out, "  x %s: %v\n", r.Name, r.Err)
			continue
		}
		fmt.Fprintf(out, "  ok %s\n", r.Name)
	}

	// Health
	timeout := opts.RolloutTimeout
	if timeout <= 0 {
		timeout = DefaultRolloutTimeout
	}
	workloads := deploy.Workloads(steps)
	fmt.Fprintf(out, "[health] waiting for %d deployments\n", len(workloads))
	healthOpts := append([]health.Option{health.WithLogger(logger)}, opts.HealthOptions...)
	for _, w := range workloads {
		if err := health.WaitForRollout(ctx, client.Clientset, cfg.Namespace, w, timeout, healthOpts...); err != nil {
			failed.Workloads = append(failed.Workloads, w)
			fmt.Fprintf(out, "  x %s: %v\n", w, err)
			continue
		}
		fmt.Fprintf(out, "  ok %s\n", w)
	}
	if len(failed.Workloads) == 0 {
		opts.Metrics.HealthOutcome("healthy")
	} else {
		opts.Metrics.HealthOutcome("timeout")
	}

	fmt.Fprintf(out, "\nAccess URL: %s\nNamespace:  %s\nAgent:      %s\nAuth token: %s\n",
		deploy.AccessURL, cfg.Namespace, cfg.AgentName, templates.MaskSecret(cfg.AuthToken))

	if len(failed.Images)+len(failed.Steps)+len(failed.Workloads) > 0 {
		logger.Warn("install incomplete", zap.Error(failed))
		return failed
	}
	logger.Info("install complete")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
