// Package phasedapp exposes the Bubble Tea control loop for the installer.
// It owns the phases.Manager, turns keypresses into intents, starts the
// background coordinators lazily as their phases are entered, and applies
// their events to installer state.
package phasedapp

import (
	"context"
	"errors"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/deploy"
	"github.com/baker-street/bakerst-install/phases/health"
	"github.com/baker-street/bakerst-install/phases/preflight"
	"github.com/baker-street/bakerst-install/phases/pull"
	"github.com/baker-street/bakerst-install/utils/manifest"
	"github.com/baker-street/bakerst-install/utils/metrics"
)

var (
	// ErrNoManifest indicates no release manifest was supplied when constructing an App.
	ErrNoManifest = errors.New("phasedapp: a release manifest is required")
	// ErrProgramRunning reports that Start was invoked while the program is already running.
	ErrProgramRunning = errors.New("phasedapp: program already running")
)

// PreflightFunc runs the preflight checks.
type PreflightFunc func(ctx context.Context) preflight.Result

// ClusterFunc builds the typed cluster client used by the health monitor.
type ClusterFunc func(ctx context.Context) (kubernetes.Interface, error)

// Config controls how an App should be assembled.
type Config struct {
	Manifest       *manifest.ReleaseManifest
	ManagerOptions []phases.ManagerOption
	ProgramOptions []tea.ProgramOption

	Preflight     PreflightFunc
	Puller        pull.Puller
	Deployer      deploy.Connector
	Cluster       ClusterFunc
	PlanOptions   deploy.Options
	PullOptions   []pull.Option
	HealthOptions []health.Option

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Option mutates Config during construction.
type Option func(*Config)

// WithManifest sets the release manifest driving the install.
func WithManifest(rm *manifest.ReleaseManifest) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.Manifest = rm
	}
}

// WithManagerOptions appends custom manager options.
func WithManagerOptions(opts ...phases.ManagerOption) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.ManagerOptions = append(cfg.ManagerOptions, opts...)
	}
}

// WithProgramOptions appends tea.Program options.
func WithProgramOptions(opts ...tea.ProgramOption) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.ProgramOptions = append(cfg.ProgramOptions, opts...)
	}
}

// WithPreflight sets the preflight check runner.
func WithPreflight(fn PreflightFunc) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.Preflight = fn
	}
}

// WithPuller sets the image puller driven by the pull coordinator.
func WithPuller(p pull.Puller) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.Puller = p
	}
}

// WithDeployer sets how the deploy sequencer connects to the cluster.
func WithDeployer(connect deploy.Connector) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.Deployer = connect
	}
}

// WithCluster sets how the health monitor connects to the cluster.
func WithCluster(fn ClusterFunc) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.Cluster = fn
	}
}

// WithPlanOptions tunes the deploy plan.
func WithPlanOptions(opts deploy.Options) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.PlanOptions = opts
	}
}

// WithPullOptions appends pull coordinator options.
func WithPullOptions(opts ...pull.Option) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.PullOptions = append(cfg.PullOptions, opts...)
	}
}

// WithHealthOptions appends health monitor options.
func WithHealthOptions(opts ...health.Option) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.HealthOptions = append(cfg.HealthOptions, opts...)
	}
}

// WithLogger attaches a structured logger to the app and its coordinators.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.Logger = logger
	}
}

// WithMetrics records install metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *Config) {
		if cfg == nil {
			return
		}
		cfg.Metrics = m
	}
}

// App hosts the Bubble Tea-driven installer.
type App struct {
	cfg      Config
	mu       sync.Mutex
	program  *tea.Program
	inFlight bool
	last     *model
}

// New constructs an App from the provided options.
func New(opts ...Option) (*App, error) {
	cfg := Config{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.Manifest == nil {
		return nil, ErrNoManifest
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &App{cfg: cfg}, nil
}

// Start runs the installer until the operator quits or installation
// completes. Cancelling ctx stops the coordinators and the program.
func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	model, err := newModel(a.cfg, runCtx)
	if err != nil {
		return err
	}
	program := tea.NewProgram(model, a.cfg.ProgramOptions...)

	a.mu.Lock()
	if a.inFlight {
		a.mu.Unlock()
		return ErrProgramRunning
	}
	a.program = program
	a.inFlight = true
	a.last = model
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.program = nil
		a.inFlight = false
		a.mu.Unlock()
	}()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			program.Quit()
		case <-finished:
		}
	}()

	_, runErr := program.Run()
	return runErr
}

// Stop signals the running program (if any) to exit.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.program == nil {
		return nil
	}
	a.program.Quit()
	return nil
}

// Summary reports the state of the most recent run: the final phase and the
// configuration collected. It is meant to be called after Start returns.
func (a *App) Summary() (phases.Phase, phases.InstallConfig, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil || a.inFlight {
		return phases.Preflight, phases.InstallConfig{}, false
	}
	return a.last.manager.Phase(), a.last.manager.Config(), true
}
