// Package health polls workload pods until they are all ready or a time
// ceiling passes, force-recreating crash-looping pods a bounded number of
// times per workload.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/utils/metrics"
)

const (
	DefaultInterval      = 2 * time.Second
	DefaultTimeout       = 120 * time.Second
	DefaultMaxRecoveries = 3
	recoveryLogLines     = 50
	timeoutLogLines      = 5
	workloadLabel        = "app"
)

// EventKind classifies a monitor event.
type EventKind int

const (
	PodUpdate EventKind = iota
	RecoveryAttempt
	AllHealthy
	Failed
)

// Event is an immutable monitor report.
type Event struct {
	Kind EventKind
	// Pod is set for PodUpdate.
	Pod phases.PodHealth
	// Workload and Attempt are set for RecoveryAttempt.
	Workload string
	Attempt  int
	// Unhealthy and Err are set for Failed.
	Unhealthy []phases.PodHealth
	Err       error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTimeout overrides the overall ceiling.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxRecoveries overrides the per-workload recovery budget.
func WithMaxRecoveries(n int) Option {
	return func(m *Monitor) {
		if n >= 0 {
			m.maxRecoveries = n
		}
	}
}

// WithClock replaces time sources (tests).
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records recoveries and outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// Monitor watches the pods of a set of workloads in one namespace.
type Monitor struct {
	client        kubernetes.Interface
	namespace     string
	interval      time.Duration
	timeout       time.Duration
	maxRecoveries int
	now           func() time.Time
	sleep         func(context.Context, time.Duration) error
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// NewMonitor constructs a Monitor.
func NewMonitor(client kubernetes.Interface, namespace string, opts ...Option) *Monitor {
	m := &Monitor{
		client:        client,
		namespace:     namespace,
		interval:      DefaultInterval,
		timeout:       DefaultTimeout,
		maxRecoveries: DefaultMaxRecoveries,
		now:           time.Now,
		sleep:         sleepContext,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	return m
}

// Run polls until every monitored pod is ready (AllHealthy) or the ceiling
// passes (Failed with the unhealthy pods and their log tails). Exactly one
// terminal event is sent; it is also returned.
func (m *Monitor) Run(ctx context.Context, workloads []string, events chan<- Event) Event {
	if m.client == nil {
		return m.finish(ctx, events, Event{Kind: Failed, Err: errors.New("kubernetes client is not initialized")})
	}

	start := m.now()
	recoveries := make(map[string]int, len(workloads))
	for {
		healthy, unhealthy := m.poll(ctx, workloads, recoveries, events)
		if healthy {
			m.logger.Info("all workloads healthy", zap.Strings("workloads", workloads))
			m.metrics.HealthOutcome("healthy")
			return m.finish(ctx, events, Event{Kind: AllHealthy})
		}

		if m.now().Sub(start) > m.timeout {
			for i := range unhealthy {
				unhealthy[i].LogTail = m.logTail(ctx, unhealthy[i].Name, timeoutLogLines)
			}
			err := TimeoutError{Timeout: m.timeout, Unhealthy: len(unhealthy)}
			m.logger.Warn("health check timed out", zap.Int("unhealthy", len(unhealthy)))
			m.metrics.HealthOutcome("timeout")
			return m.finish(ctx, events, Event{Kind: Failed, Unhealthy: unhealthy, Err: err})
		}

		if err := m.sleep(ctx, m.interval); err != nil {
			return m.finish(ctx, events, Event{Kind: Failed, Unhealthy: unhealthy, Err: err})
		}
	}
}

// poll runs one cycle. A workload without pods, or whose pods could not be
// listed, counts as unhealthy.
func (m *Monitor) poll(ctx context.Context, workloads []string, recoveries map[string]int, events chan<- Event) (bool, []phases.PodHealth) {
	healthy := len(workloads) > 0
	var unhealthy []phases.PodHealth

	for _, workload := range workloads {
		pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: workloadLabel + "=" + workload,
		})
		if err != nil {
			m.logger.Warn("list pods failed", zap.String("workload", workload), zap.Error(err))
			healthy = false
			continue
		}
		if len(pods.Items) == 0 {
			healthy = false
			continue
		}

		for i := range pods.Items {
			pod := &pods.Items[i]
			ph := Inspect(pod, workload)

			if ph.ErrorReason == phases.CrashLoopReason && recoveries[workload] < m.maxRecoveries {
				recoveries[workload]++
				attempt := recoveries[workload]
				m.logger.Warn("crash loop detected, recreating pod",
					zap.String("workload", workload), zap.String("pod", pod.Name), zap.Int("attempt", attempt))
				m.metrics.Recovery(workload)
				m.emit(ctx, events, Event{Kind: RecoveryAttempt, Workload: workload, Attempt: attempt})
				ph.LogTail = m.logTail(ctx, pod.Name, recoveryLogLines)
				if err := m.forceDelete(ctx, pod.Name); err != nil {
					m.logger.Warn("force delete failed", zap.String("pod", pod.Name), zap.Error(err))
				}
			}

			m.emit(ctx, events, Event{Kind: PodUpdate, Pod: ph})
			if !ph.Ready {
				healthy = false
				unhealthy = append(unhealthy, ph)
			}
		}
	}
	return healthy, unhealthy
}

// Inspect derives the health record of one pod.
func Inspect(pod *corev1.Pod, workload string) phases.PodHealth {
	ph := phases.PodHealth{
		Name:     pod.Name,
		Workload: workload,
		Status:   string(pod.Status.Phase),
	}
	if len(pod.Spec.Containers) > 0 {
		ph.Image = pod.Spec.Containers[0].Image
	}

	statuses := pod.Status.ContainerStatuses
	ready := len(statuses) > 0
	for _, cs := range statuses {
		ph.Restarts += cs.RestartCount
		if !cs.Ready {
			ready = false
		}
		if w := cs.State.Waiting; w != nil && w.Reason != "" {
			ph.Status = w.Reason
			if w.Reason == phases.CrashLoopReason {
				ph.ErrorReason = w.Reason
			}
		}
	}
	if len(statuses) > 0 && statuses[0].Image != "" {
		ph.Image = statuses[0].Image
	}
	ph.Ready = ready
	return ph
}

func (m *Monitor) logTail(ctx context.Context, pod string, lines int64) string {
	req := m.client.CoreV1().Pods(m.namespace).GetLogs(pod, &corev1.PodLogOptions{TailLines: &lines})
	stream, err := req.Stream(ctx)
	if err != nil {
		return ""
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}

func (m *Monitor) forceDelete(ctx context.Context, pod string) error {
	grace := int64(0)
	return m.client.CoreV1().Pods(m.namespace).Delete(ctx, pod, metav1.DeleteOptions{GracePeriodSeconds: &grace})
}

func (m *Monitor) finish(ctx context.Context, events chan<- Event, ev Event) Event {
	m.emit(ctx, events, ev)
	return ev
}

func (m *Monitor) emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// TimeoutError is the Failed reason when pods never became ready.
type TimeoutError struct {
	Timeout   time.Duration
	Unhealthy int
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("%d pod(s) not healthy after %s", e.Unhealthy, e.Timeout)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
