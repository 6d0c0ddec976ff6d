package kube

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/version"
	fakediscovery "k8s.io/client-go/discovery/fake"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

const multiDoc = `
apiVersion: v1
kind: ServiceAccount
metadata:
  name: bakerst-brain
---
apiVersion: rbac.authorization.k8s.io/v1
kind: Role
metadata:
  name: bakerst-brain
rules: []
---
`

func TestApplyYAMLAppliesEachDocument(t *testing.T) {
	t.Parallel()

	c, rec := newRecordingClient(t)
	applied, err := c.ApplyYAML(context.Background(), "bakerst", multiDoc)
	require.NoError(t, err)
	require.Equal(t, []string{"ServiceAccount/bakerst-brain", "Role/bakerst-brain"}, applied)

	patches := rec.snapshot()
	require.Len(t, patches, 2)
	require.Equal(t, "serviceaccounts", patches[0].resource)
	require.Equal(t, "bakerst", patches[0].namespace)
	require.Equal(t, "roles", patches[1].resource)
	require.Equal(t, "bakerst", patches[1].object.GetNamespace())
}

func TestApplyObjectRejectsUnsupportedKind(t *testing.T) {
	t.Parallel()

	c, rec := newRecordingClient(t)
	_, err := c.ApplyYAML(context.Background(), "bakerst", `
apiVersion: batch/v1
kind: CronJob
metadata:
  name: nightly
`)
	var kindErr UnsupportedKindError
	require.ErrorAs(t, err, &kindErr)
	require.Equal(t, "CronJob", kindErr.Kind)
	require.Contains(t, kindErr.Supported, "Deployment")
	require.Contains(t, kindErr.Supported, "PersistentVolume")
	require.Contains(t, err.Error(), "supported: ConfigMap, Deployment")
	require.Empty(t, rec.snapshot())
}

func TestApplyObjectWrapsPatchFailures(t *testing.T) {
	t.Parallel()

	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	dyn.PrependReactor("patch", "*", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("admission webhook denied")
	})
	c := NewForInterfaces(fake.NewSimpleClientset(), dyn, "kind-test")

	err := c.ApplyConfigMap(context.Background(), "bakerst", "bakerst-config", map[string]string{"AGENT_NAME": "Baker"})
	var applyErr ApplyError
	require.ErrorAs(t, err, &applyErr)
	require.Equal(t, "ConfigMap", applyErr.Kind)
	require.Equal(t, "bakerst-config", applyErr.Name)
}

func TestTypedHelpersUseServerSideApply(t *testing.T) {
	t.Parallel()

	c, rec := newRecordingClient(t)
	ctx := context.Background()
	require.NoError(t, c.ApplyConfigMap(ctx, "bakerst", "bakerst-config", map[string]string{"AGENT_NAME": "Baker"}))
	require.NoError(t, c.ApplySecret(ctx, "bakerst", "bakerst-gateway-secrets", map[string]string{"AUTH_TOKEN": "t0k"}))
	_, err := c.ApplyYAML(ctx, "bakerst", `
apiVersion: v1
kind: Namespace
metadata:
  name: bakerst
  annotations:
    bakerst.io/install-id: abc
`)
	require.NoError(t, err)

	patches := rec.snapshot()
	require.Len(t, patches, 3)

	require.Equal(t, "configmaps", patches[0].resource)
	require.Equal(t, "bakerst", patches[0].namespace)
	require.Equal(t, "Baker", patches[0].object.Object["data"].(map[string]interface{})["AGENT_NAME"])

	require.Equal(t, "secrets", patches[1].resource)
	data, found, err := unstructured.NestedStringMap(patches[1].object.Object, "stringData")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "t0k", data["AUTH_TOKEN"])

	require.Equal(t, "namespaces", patches[2].resource)
	require.Empty(t, patches[2].namespace)
	require.Equal(t, "abc", patches[2].object.GetAnnotations()["bakerst.io/install-id"])
	for _, p := range patches {
		require.Equal(t, types.ApplyPatchType, p.patchType)
	}
}

func TestServerVersionAndIdentity(t *testing.T) {
	t.Parallel()

	cs := fake.NewSimpleClientset()
	cs.Discovery().(*fakediscovery.FakeDiscovery).FakedServerVersion = &version.Info{GitVersion: "v1.31.2"}
	c := NewForInterfaces(cs, nil, "docker-desktop")

	v, err := c.ServerVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v1.31.2", v)
	require.Equal(t, "docker-desktop", c.Identity())

	c.Server = "https://127.0.0.1:6443"
	require.Equal(t, "docker-desktop (https://127.0.0.1:6443)", c.Identity())

	var nilClient *Client
	_, err = nilClient.ServerVersion(context.Background())
	require.IsType(t, ClientError{}, err)
}

func TestDeploymentStatuses(t *testing.T) {
	t.Parallel()

	replicas := int32(2)
	cs := fake.NewSimpleClientset(
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "bakerst"},
			Spec: appsv1.DeploymentSpec{
				Replicas: &replicas,
				Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: []corev1.Container{{Name: "worker", Image: "bakerst-worker:latest"}}}},
			},
			Status: appsv1.DeploymentStatus{ReadyReplicas: 1},
		},
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "brain", Namespace: "bakerst"},
			Status:     appsv1.DeploymentStatus{ReadyReplicas: 1},
		},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "default"}},
	)
	c := NewForInterfaces(cs, nil, "")

	statuses, err := c.DeploymentStatuses(context.Background(), "bakerst")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, "brain", statuses[0].Name)
	require.True(t, statuses[0].Healthy())
	require.Equal(t, "worker", statuses[1].Name)
	require.Equal(t, "bakerst-worker:latest", statuses[1].Image)
	require.False(t, statuses[1].Healthy())
}

func TestDeleteNamespace(t *testing.T) {
	t.Parallel()

	cs := fake.NewSimpleClientset(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "bakerst"}})
	c := NewForInterfaces(cs, nil, "")
	require.NoError(t, c.DeleteNamespace(context.Background(), "bakerst"))

	_, err := cs.CoreV1().Namespaces().Get(context.Background(), "bakerst", metav1.GetOptions{})
	require.Error(t, err)
}

func TestWrapConnErr(t *testing.T) {
	t.Parallel()

	require.Nil(t, wrapConnErr(nil))
	require.Contains(t, wrapConnErr(errors.New("Unauthorized")).Error(), "authentication failed")
	require.Contains(t, wrapConnErr(errors.New("x509: certificate signed by unknown authority")).Error(), "TLS")
	require.Contains(t, wrapConnErr(errors.New("dial tcp 127.0.0.1:6443: connect: connection refused")).Error(), "cannot reach")
}

type recordedPatch struct {
	resource  string
	namespace string
	patchType types.PatchType
	object    *unstructured.Unstructured
}

type patchRecorder struct {
	mu      sync.Mutex
	patches []recordedPatch
}

func (r *patchRecorder) snapshot() []recordedPatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedPatch(nil), r.patches...)
}

func newRecordingClient(t *testing.T) (*Client, *patchRecorder) {
	t.Helper()

	rec := &patchRecorder{}
	dyn := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	dyn.PrependReactor("patch", "*", func(action k8stesting.Action) (bool, runtime.Object, error) {
		patch := action.(k8stesting.PatchAction)
		obj := &unstructured.Unstructured{}
		if err := json.Unmarshal(patch.GetPatch(), &obj.Object); err != nil {
			return true, nil, err
		}
		rec.mu.Lock()
		rec.patches = append(rec.patches, recordedPatch{
			resource:  patch.GetResource().Resource,
			namespace: patch.GetNamespace(),
			patchType: patch.GetPatchType(),
			object:    obj,
		})
		rec.mu.Unlock()
		return true, obj, nil
	})
	return NewForInterfaces(fake.NewSimpleClientset(), dyn, "kind-test"), rec
}

func TestLazyCachesSuccessOnly(t *testing.T) {
	t.Parallel()

	calls := 0
	l := NewLazy("/tmp/kubeconfig", "kind")
	l.build = func(path, ctxName string) (*Client, error) {
		calls++
		require.Equal(t, "/tmp/kubeconfig", path)
		require.Equal(t, "kind", ctxName)
		if calls == 1 {
			return nil, errors.New("no such file")
		}
		return NewForInterfaces(fake.NewSimpleClientset(), nil, ctxName), nil
	}

	_, err := l.Get()
	require.Error(t, err)

	first, err := l.Get()
	require.NoError(t, err)
	second, err := l.Get()
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 2, calls)
}
