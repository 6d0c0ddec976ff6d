// Package preflight runs the checks that gate the installer: the cluster is
// reachable and the container runtime binary is usable.
package preflight

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baker-street/bakerst-install/phases"
)

const (
	CheckCluster = "Kubernetes cluster"
	CheckRuntime = "Container runtime"
)

// Cluster is the part of the cluster client preflight needs.
type Cluster interface {
	ServerVersion(ctx context.Context) (string, error)
	Identity() string
}

// Connector builds a cluster client.
type Connector func(ctx context.Context) (Cluster, error)

// Runtime reports the container runtime version.
type Runtime interface {
	CheckRuntime(ctx context.Context) (string, error)
}

// Result is the outcome of one preflight run.
type Result struct {
	Cluster string
	Checks  []phases.Named
}

// Passed reports whether every check finished successfully.
func (r Result) Passed() bool {
	if len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		if c.Status.State != phases.ItemDone {
			return false
		}
	}
	return true
}

// Run executes both checks concurrently. It never fails as a whole; each
// check records its own status.
func Run(ctx context.Context, connect Connector, runtime Runtime, logger *zap.Logger) Result {
	if logger == nil {
		logger = zap.NewNop()
	}

	checks := []phases.Named{
		{Name: CheckCluster, Status: phases.ItemStatus{State: phases.ItemPending}},
		{Name: CheckRuntime, Status: phases.ItemStatus{State: phases.ItemPending}},
	}
	var cluster string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		name, version, err := checkCluster(gctx, connect)
		cluster = name
		checks[0].Status = statusFor(version, err)
		if err != nil {
			logger.Warn("cluster check failed", zap.Error(err))
		} else {
			logger.Info("cluster reachable", zap.String("cluster", name), zap.String("version", version))
		}
		return nil
	})
	g.Go(func() error {
		version, err := checkRuntime(gctx, runtime)
		checks[1].Status = statusFor(version, err)
		if err != nil {
			logger.Warn("runtime check failed", zap.Error(err))
		} else {
			logger.Info("container runtime found", zap.String("version", version))
		}
		return nil
	})
	_ = g.Wait()

	return Result{Cluster: cluster, Checks: checks}
}

func checkCluster(ctx context.Context, connect Connector) (string, string, error) {
	if connect == nil {
		return "", "", errors.New("no cluster connector configured")
	}
	c, err := connect(ctx)
	if err != nil {
		return "", "", err
	}
	version, err := c.ServerVersion(ctx)
	if err != nil {
		return c.Identity(), "", err
	}
	return c.Identity(), version, nil
}

func checkRuntime(ctx context.Context, runtime Runtime) (string, error) {
	if runtime == nil {
		return "", errors.New("no container runtime configured")
	}
	return runtime.CheckRuntime(ctx)
}

func statusFor(detail string, err error) phases.ItemStatus {
	if err != nil {
		return phases.ItemStatus{State: phases.ItemFailed, Message: err.Error()}
	}
	return phases.ItemStatus{State: phases.ItemDone, Message: fmt.Sprintf("ok (%s)", detail)}
}
