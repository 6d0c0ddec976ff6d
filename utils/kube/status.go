package kube

import (
	"context"
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeploymentStatus summarizes one deployment for the status command.
type DeploymentStatus struct {
	Name    string
	Desired int32
	Ready   int32
	Image   string
}

// Healthy reports whether every desired replica is ready.
func (d DeploymentStatus) Healthy() bool {
	return d.Ready >= d.Desired
}

// DeploymentStatuses lists deployments in namespace sorted by name.
func (c *Client) DeploymentStatuses(ctx context.Context, namespace string) ([]DeploymentStatus, error) {
	if c == nil || c.Clientset == nil {
		return nil, ClientError{Missing: "typed"}
	}
	list, err := c.Clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrapConnErr(err)
	}

	out := make([]DeploymentStatus, 0, len(list.Items))
	for _, d := range list.Items {
		desired := int32(1)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		status := DeploymentStatus{
			Name:    d.Name,
			Desired: desired,
			Ready:   d.Status.ReadyReplicas,
		}
		if containers := d.Spec.Template.Spec.Containers; len(containers) > 0 {
			status.Image = containers[0].Image
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
