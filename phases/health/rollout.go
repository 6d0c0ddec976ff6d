package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// RolloutTimeoutError reports a deployment that did not reach its desired
// ready count in time.
type RolloutTimeoutError struct {
	Name    string
	Ready   int32
	Desired int32
	Timeout time.Duration
	// LastErr is the most recent error reading the deployment, if any.
	LastErr error
}

func (e RolloutTimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("deployment %s not ready after %s: %v", e.Name, e.Timeout, e.LastErr)
	}
	return fmt.Sprintf("deployment %s not ready after %s (%d/%d ready)", e.Name, e.Timeout, e.Ready, e.Desired)
}

func (e RolloutTimeoutError) Unwrap() error {
	return e.LastErr
}

// WaitForRollout polls a single deployment until its ready replica count
// matches the desired count or timeout passes.
func WaitForRollout(ctx context.Context, client kubernetes.Interface, namespace, name string, timeout time.Duration, opts ...Option) error {
	m := NewMonitor(client, namespace, opts...)
	start := m.now()

	var lastErr error
	var ready, desired int32
	for {
		d, err := client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			lastErr = nil
			desired = 1
			if d.Spec.Replicas != nil {
				desired = *d.Spec.Replicas
			}
			ready = d.Status.ReadyReplicas
			if ready >= desired {
				m.logger.Info("rollout complete", zap.String("deployment", name), zap.Int32("ready", ready))
				return nil
			}
		} else {
			lastErr = err
		}

		if m.now().Sub(start) >= timeout {
			return RolloutTimeoutError{Name: name, Ready: ready, Desired: desired, Timeout: timeout, LastErr: lastErr}
		}
		if err := m.sleep(ctx, m.interval); err != nil {
			return err
		}
	}
}
