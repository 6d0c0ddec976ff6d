// Package bakerst wires the production collaborators into the installer
// app: the docker CLI puller, kubeconfig-backed cluster clients, logging
// and metrics.
package bakerst

import (
	"context"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/deploy"
	"github.com/baker-street/bakerst-install/phases/preflight"
	"github.com/baker-street/bakerst-install/pkg/phasedapp"
	"github.com/baker-street/bakerst-install/utils/imagepull"
	"github.com/baker-street/bakerst-install/utils/kube"
	"github.com/baker-street/bakerst-install/utils/manifest"
	"github.com/baker-street/bakerst-install/utils/metrics"
)

// Options selects the cluster and tunes the install.
type Options struct {
	Kubeconfig     string
	Context        string
	Namespace      string
	SkipExtensions bool
	DataDir        string
	InstallID      string
	// Logger is used as given; it is expected to carry the install_id field.
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Puller overrides the docker CLI puller.
	Puller *imagepull.Puller
	// Clients overrides the kubeconfig-backed client cache.
	Clients *kube.Lazy
}

// Bundle returns the app options for a production install of rm.
func Bundle(rm *manifest.ReleaseManifest, opts Options) ([]phasedapp.Option, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	puller := opts.Puller
	if puller == nil {
		p, err := imagepull.New()
		if err != nil {
			return nil, err
		}
		puller = p
	}
	clients := opts.Clients
	if clients == nil {
		clients = kube.NewLazy(opts.Kubeconfig, opts.Context)
	}

	connectCluster := func(context.Context) (preflight.Cluster, error) {
		c, err := clients.Get()
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	return []phasedapp.Option{
		phasedapp.WithManifest(rm),
		phasedapp.WithManagerOptions(phases.WithNamespace(opts.Namespace)),
		phasedapp.WithPreflight(func(ctx context.Context) preflight.Result {
			return preflight.Run(ctx, connectCluster, puller, logger)
		}),
		phasedapp.WithPuller(puller),
		phasedapp.WithDeployer(func(context.Context) (deploy.Applier, error) {
			c, err := clients.Get()
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
		phasedapp.WithCluster(func(context.Context) (kubernetes.Interface, error) {
			c, err := clients.Get()
			if err != nil {
				return nil, err
			}
			return c.Clientset, nil
		}),
		phasedapp.WithPlanOptions(deploy.Options{SkipExtensions: opts.SkipExtensions, InstallID: opts.InstallID, DataDir: opts.DataDir}),
		phasedapp.WithLogger(logger),
		phasedapp.WithMetrics(opts.Metrics),
	}, nil
}
