package phasedapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/deploy"
	"github.com/baker-street/bakerst-install/phases/health"
	"github.com/baker-street/bakerst-install/phases/preflight"
	"github.com/baker-street/bakerst-install/phases/pull"
)

// healthEventBuffer absorbs a few poll cycles while the control loop renders.
const healthEventBuffer = 64

// ---- Coordinator events ----

type preflightDoneMsg struct {
	result preflight.Result
}

type pullEventMsg struct {
	ev pull.Event
}

type pullFinishedMsg struct{}

type deployEventMsg struct {
	ev deploy.Event
}

type deployFinishedMsg struct{}

type healthEventMsg struct {
	ev health.Event
}

type healthFinishedMsg struct{}

// ---- Coordinator plumbing ----

func runPreflightCmd(ctx context.Context, fn PreflightFunc) tea.Cmd {
	return func() tea.Msg {
		if fn == nil {
			return preflightDoneMsg{result: preflight.Run(ctx, nil, nil, nil)}
		}
		return preflightDoneMsg{result: fn(ctx)}
	}
}

// startPull runs the pull coordinator in the background. The returned
// channel is closed once every image reached a terminal event.
func startPull(ctx context.Context, coord *pull.Coordinator, images []string) <-chan pull.Event {
	events := make(chan pull.Event, coord.EventBuffer(len(images)))
	go func() {
		defer close(events)
		coord.Run(ctx, images, events)
	}()
	return events
}

func waitPullEventCmd(events <-chan pull.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return pullFinishedMsg{}
		}
		return pullEventMsg{ev: ev}
	}
}

func startDeploy(ctx context.Context, seq *deploy.Sequencer, connect deploy.Connector, steps []deploy.Step) <-chan deploy.Event {
	events := make(chan deploy.Event, deploy.EventBuffer(len(steps)))
	go func() {
		defer close(events)
		seq.Run(ctx, connect, steps, events)
	}()
	return events
}

func waitDeployEventCmd(events <-chan deploy.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return deployFinishedMsg{}
		}
		return deployEventMsg{ev: ev}
	}
}

// startHealth connects to the cluster and runs the monitor. A connection
// failure is reported as the single terminal Failed event.
func startHealth(ctx context.Context, cluster ClusterFunc, namespace string, workloads []string, opts []health.Option) <-chan health.Event {
	events := make(chan health.Event, healthEventBuffer)
	go func() {
		defer close(events)
		var client kubernetes.Interface
		if cluster != nil {
			c, err := cluster(ctx)
			if err != nil {
				select {
				case events <- health.Event{Kind: health.Failed, Err: fmt.Errorf("connect to cluster: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			client = c
		}
		health.NewMonitor(client, namespace, opts...).Run(ctx, workloads, events)
	}()
	return events
}

func waitHealthEventCmd(events <-chan health.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return healthFinishedMsg{}
		}
		return healthEventMsg{ev: ev}
	}
}

// ---- Lazy coordinator start ----

// startPhaseWork starts the coordinator owned by the current phase the
// first time the phase is entered.
func (m *model) startPhaseWork() tea.Cmd {
	switch m.manager.Phase() {
	case phases.Preflight:
		if m.preflightRunning || m.preflightRan {
			return nil
		}
		m.preflightRunning = true
		m.setStatus("Running preflight checks")
		return tea.Batch(runPreflightCmd(m.runCtx, m.cfg.Preflight), m.spinner.Tick)

	case phases.Pull:
		images := deploy.Images(m.manager.Manifest(), m.cfg.PlanOptions)
		if !m.manager.BeginPull(images) {
			return nil
		}
		if len(images) == 0 {
			return nil
		}
		opts := append([]pull.Option{pull.WithLogger(m.logger), pull.WithMetrics(m.cfg.Metrics)}, m.cfg.PullOptions...)
		coord, err := pull.New(m.cfg.Puller, opts...)
		if err != nil {
			m.logger.Error("pull coordinator unavailable", zap.Error(err))
			for i := range images {
				m.manager.MarkPull(i, phases.ItemStatus{State: phases.ItemFailed, Message: err.Error()})
			}
			return nil
		}
		m.logger.Info("pulling images", zap.Int("count", len(images)))
		m.setStatusf("Pulling %d images", len(images))
		m.pullEvents = startPull(m.runCtx, coord, images)
		return tea.Batch(waitPullEventCmd(m.pullEvents), m.spinner.Tick)

	case phases.Deploy:
		steps := deploy.Plan(m.manager.Manifest(), m.manager.Config(), m.cfg.PlanOptions)
		if !m.manager.BeginDeploy(deploy.StepNames(steps)) {
			return nil
		}
		m.workloads = deploy.Workloads(steps)
		seq := deploy.NewSequencer(deploy.WithLogger(m.logger), deploy.WithMetrics(m.cfg.Metrics))
		connect := m.cfg.Deployer
		if connect == nil {
			connect = func(context.Context) (deploy.Applier, error) {
				return nil, errors.New("no cluster connection configured")
			}
		}
		m.logger.Info("deploying", zap.Int("steps", len(steps)))
		m.setStatusf("Deploying %d steps", len(steps))
		m.deployEvents = startDeploy(m.runCtx, seq, connect, steps)
		return tea.Batch(waitDeployEventCmd(m.deployEvents), m.spinner.Tick)

	case phases.Health:
		if !m.manager.BeginHealth(m.workloads) {
			return nil
		}
		opts := append([]health.Option{health.WithLogger(m.logger), health.WithMetrics(m.cfg.Metrics)}, m.cfg.HealthOptions...)
		ns := m.manager.Config().Namespace
		m.setStatusf("Waiting for %d workloads in %s", len(m.workloads), ns)
		m.healthEvents = startHealth(m.runCtx, m.cfg.Cluster, ns, m.manager.Workloads(), opts)
		return tea.Batch(waitHealthEventCmd(m.healthEvents), m.spinner.Tick)
	}
	return nil
}

// ---- Coordinator event handling ----

func (m *model) handlePreflight(msg preflightDoneMsg) {
	m.preflightRunning = false
	m.preflightRan = true
	m.manager.SetPreflight(msg.result.Cluster, msg.result.Checks)
	if m.manager.PreflightPassed() {
		m.setStatus("Preflight checks passed")
		return
	}
	m.setStatus("Preflight checks failed; press r to retry")
}

func (m *model) handlePullEvent(ev pull.Event) {
	var status phases.ItemStatus
	switch ev.Kind {
	case pull.Started:
		status = phases.ItemStatus{State: phases.ItemInProgress, Message: "pulling"}
	case pull.Retrying:
		status = phases.ItemStatus{
			State:   phases.ItemInProgress,
			Message: fmt.Sprintf("attempt %d in %s: %s", ev.Attempt, ev.Backoff, errorText(ev.Err)),
		}
	case pull.Completed:
		status = phases.ItemStatus{State: phases.ItemDone, Message: fmt.Sprintf("pulled in %s", ev.Elapsed.Round(100*time.Millisecond))}
	case pull.Failed:
		status = phases.ItemStatus{State: phases.ItemFailed, Message: errorText(ev.Err)}
	}
	m.manager.MarkPull(ev.Index, status)
	if ev.Kind.Terminal() {
		p := m.manager.PullProgress()
		m.setStatusf("Pulled %d/%d images", p.Done, p.Total)
	}
}

func (m *model) handleDeployEvent(ev deploy.Event) {
	switch ev.Kind {
	case deploy.StepFinished:
		status := phases.ItemStatus{State: phases.ItemDone, Message: "applied"}
		if ev.Err != nil {
			status = phases.ItemStatus{State: phases.ItemFailed, Message: errorText(ev.Err)}
		}
		m.manager.MarkStep(ev.Index, status)
		p := m.manager.DeployProgress()
		m.setStatusf("Deployed %d/%d steps", p.Done, p.Total)
	case deploy.SequenceComplete:
		m.manager.FinishDeploy()
	}
}

func (m *model) handleHealthEvent(ev health.Event) {
	switch ev.Kind {
	case health.PodUpdate:
		m.manager.UpsertPod(ev.Pod)
	case health.RecoveryAttempt:
		m.manager.RecordRecovery(ev.Workload, ev.Attempt)
		m.setStatusf("Recovering %s (attempt %d)", ev.Workload, ev.Attempt)
	case health.AllHealthy:
		m.manager.SetHealthy()
		m.setStatus("All workloads healthy")
	case health.Failed:
		reason := errorText(ev.Err)
		m.manager.SetHealthFailed(ev.Unhealthy, reason)
		m.setStatusf("Health check failed: %s (Enter to continue)", reason)
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
