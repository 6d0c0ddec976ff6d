package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/deploy"
	"github.com/baker-street/bakerst-install/pkg/headless"
	"github.com/baker-street/bakerst-install/pkg/phasedapp"
	"github.com/baker-street/bakerst-install/pkg/phasedapp/bundles/bakerst"
	"github.com/baker-street/bakerst-install/utils/config"
	"github.com/baker-street/bakerst-install/utils/imagepull"
	"github.com/baker-street/bakerst-install/utils/kube"
	"github.com/baker-street/bakerst-install/utils/logging"
	"github.com/baker-street/bakerst-install/utils/manifest"
	"github.com/baker-street/bakerst-install/utils/metrics"
	"github.com/baker-street/bakerst-install/utils/templates"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdout, nil)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bakerst-install: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// clientsFunc builds the cluster client cache for the resolved settings.
type clientsFunc func(s config.Settings) *kube.Lazy

func newRootCmd(out io.Writer, clients clientsFunc) *cobra.Command {
	if clients == nil {
		clients = func(s config.Settings) *kube.Lazy {
			return kube.NewLazy(s.Kubeconfig, s.Context)
		}
	}
	v := config.New()

	cmd := &cobra.Command{
		Use:           "bakerst-install",
		Short:         "Install Baker Street into a Kubernetes cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			settings, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings, out, clients(settings))
		},
	}

	flags := cmd.Flags()
	flags.String("release", "", "release tag to install (default: latest)")
	flags.String("manifest", "", "path to a local release manifest")
	flags.String("namespace", "bakerst", "target namespace")
	flags.String("kubeconfig", "", "path to the kubeconfig file")
	flags.String("context", "", "kubeconfig context to use")
	flags.Bool("non-interactive", false, "install without the terminal UI, reading secrets from the environment")
	flags.Bool("status", false, "show deployment status and exit")
	flags.Bool("uninstall", false, "delete the namespace and everything in it")
	flags.Bool("skip-extensions", false, "do not deploy extension services")
	flags.String("data-dir", "", "store data in hostPath volumes under this absolute directory instead of dynamic claims")
	flags.Bool("verbose", false, "log at debug level")
	flags.String("log-file", "", "log file path (default ~/.bakerst/install.log)")
	flags.String("metrics-file", "", "write install metrics to this file on exit")
	flags.StringSlice("features", nil, "optional features to enable in non-interactive mode")
	flags.String("config", "", "settings file (default ~/.bakerst/installer.yaml)")
	return cmd
}

func run(ctx context.Context, s config.Settings, out io.Writer, clients *kube.Lazy) error {
	logCfg := logging.DefaultConfig()
	if s.LogFile != "" {
		logCfg.Path = s.LogFile
	}
	if s.Verbose {
		logCfg.Level = "debug"
		logCfg.Console = s.NonInteractive
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	installID := uuid.NewString()
	logger = logger.With(zap.String("install_id", installID))

	switch {
	case s.Status:
		return printStatus(ctx, out, clients, s.Namespace)
	case s.Uninstall:
		return uninstall(ctx, out, clients, s.Namespace, logger)
	}

	rm, err := loadManifest(ctx, s, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	defer func() {
		if err := m.WriteTextfile(s.MetricsFile); err != nil {
			logger.Warn("metrics export failed", zap.Error(err))
		}
	}()

	if s.NonInteractive {
		opts := headless.Options{
			Manifest:    rm,
			Namespace:   s.Namespace,
			Lookup:      config.EnvLookup(),
			Features:    s.Features,
			Clients:     clients,
			PlanOptions: deploy.Options{SkipExtensions: s.SkipExtensions, InstallID: installID, DataDir: s.DataDir},
			Out:         out,
			Logger:      logger,
			Metrics:     m,
		}
		puller, err := imagepull.New()
		if err != nil {
			return err
		}
		opts.Puller = puller
		return headless.Run(ctx, opts)
	}

	return runInteractive(ctx, s, out, rm, clients, installID, logger, m)
}

func runInteractive(ctx context.Context, s config.Settings, out io.Writer, rm *manifest.ReleaseManifest, clients *kube.Lazy, installID string, logger *zap.Logger, m *metrics.Metrics) error {
	opts, err := bakerst.Bundle(rm, bakerst.Options{
		Kubeconfig:     s.Kubeconfig,
		Context:        s.Context,
		Namespace:      s.Namespace,
		SkipExtensions: s.SkipExtensions,
		DataDir:        s.DataDir,
		InstallID:      installID,
		Logger:         logger,
		Metrics:        m,
		Clients:        clients,
	})
	if err != nil {
		return err
	}
	opts = append(opts, phasedapp.WithProgramOptions(tea.WithAltScreen()))

	app, err := phasedapp.New(opts...)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("installer exited: %w", err)
	}

	phase, cfg, ok := app.Summary()
	if ok && phase == phases.Complete {
		fmt.Fprintf(out, "Baker Street is running at %s (namespace %s, auth token %s)\n",
			deploy.AccessURL, cfg.Namespace, templates.MaskSecret(cfg.AuthToken))
	}
	return nil
}

func loadManifest(ctx context.Context, s config.Settings, logger *zap.Logger) (*manifest.ReleaseManifest, error) {
	if s.Manifest != "" {
		return manifest.LoadFile(s.Manifest)
	}
	rm, err := manifest.NewFetcher().FetchOrDefault(ctx, s.Release)
	if err != nil {
		if s.Release != "" {
			return nil, err
		}
		logger.Warn("release manifest unavailable, using local defaults", zap.Error(err))
	}
	return rm, nil
}

func printStatus(ctx context.Context, out io.Writer, clients *kube.Lazy, namespace string) error {
	client, err := clients.Get()
	if err != nil {
		return err
	}
	statuses, err := client.DeploymentStatuses(ctx, namespace)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintf(out, "No deployments found in namespace %s\n", namespace)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEPLOYMENT\tREADY\tSTATUS\tIMAGE")
	for _, d := range statuses {
		state := "ready"
		if !d.Healthy() {
			state = "pending"
		}
		fmt.Fprintf(w, "%s\t%d/%d\t%s\t%s\n", d.Name, d.Ready, d.Desired, state, d.Image)
	}
	return w.Flush()
}

func uninstall(ctx context.Context, out io.Writer, clients *kube.Lazy, namespace string, logger *zap.Logger) error {
	client, err := clients.Get()
	if err != nil {
		return err
	}
	if err := client.DeleteNamespace(ctx, namespace); err != nil {
		logger.Warn("namespace delete failed", zap.String("namespace", namespace), zap.Error(err))
		fmt.Fprintf(out, "Namespace %s could not be deleted: %v\n", namespace, err)
		return nil
	}
	logger.Info("namespace deleted", zap.String("namespace", namespace))
	fmt.Fprintf(out, "Deleted namespace %s\n", namespace)
	return nil
}
