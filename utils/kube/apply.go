package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/yaml"
)

type kindMapping struct {
	gvr        schema.GroupVersionResource
	namespaced bool
}

var kinds = map[string]kindMapping{
	"Namespace":             {gvr: schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}},
	"Deployment":            {gvr: schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, namespaced: true},
	"Service":               {gvr: schema.GroupVersionResource{Version: "v1", Resource: "services"}, namespaced: true},
	"ConfigMap":             {gvr: schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}, namespaced: true},
	"Secret":                {gvr: schema.GroupVersionResource{Version: "v1", Resource: "secrets"}, namespaced: true},
	"PersistentVolume":      {gvr: schema.GroupVersionResource{Version: "v1", Resource: "persistentvolumes"}},
	"PersistentVolumeClaim": {gvr: schema.GroupVersionResource{Version: "v1", Resource: "persistentvolumeclaims"}, namespaced: true},
	"ServiceAccount":        {gvr: schema.GroupVersionResource{Version: "v1", Resource: "serviceaccounts"}, namespaced: true},
	"Role":                  {gvr: schema.GroupVersionResource{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "roles"}, namespaced: true},
	"RoleBinding":           {gvr: schema.GroupVersionResource{Group: "rbac.authorization.k8s.io", Version: "v1", Resource: "rolebindings"}, namespaced: true},
	"NetworkPolicy":         {gvr: schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "networkpolicies"}, namespaced: true},
}

// SupportedKinds lists the kinds ApplyObject accepts.
func SupportedKinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplyYAML decodes a (multi-document) YAML string and applies each object
// in order. It returns "Kind/name" for every applied object and stops on the
// first failure.
func (c *Client) ApplyYAML(ctx context.Context, namespace, doc string) ([]string, error) {
	dec := yaml.NewYAMLOrJSONDecoder(strings.NewReader(doc), 4096)
	var applied []string
	for {
		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return applied, nil
			}
			return applied, fmt.Errorf("decode manifest: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		obj := &unstructured.Unstructured{Object: raw}
		if err := c.ApplyObject(ctx, namespace, obj); err != nil {
			return applied, err
		}
		applied = append(applied, obj.GetKind()+"/"+obj.GetName())
	}
}

// ApplyObject server-side applies obj. Namespaced objects without a
// namespace are placed in namespace.
func (c *Client) ApplyObject(ctx context.Context, namespace string, obj *unstructured.Unstructured) error {
	if c == nil || c.Dynamic == nil {
		return ClientError{Missing: "dynamic"}
	}
	kind := obj.GetKind()
	mapping, ok := kinds[kind]
	if !ok {
		return UnsupportedKindError{Kind: kind, Supported: SupportedKinds()}
	}
	name := obj.GetName()
	if name == "" {
		return ApplyError{Kind: kind, Err: errors.New("metadata.name is required")}
	}

	data, err := json.Marshal(obj.Object)
	if err != nil {
		return ApplyError{Kind: kind, Name: name, Err: err}
	}

	force := true
	opts := metav1.PatchOptions{FieldManager: FieldManager, Force: &force}
	if mapping.namespaced {
		ns := obj.GetNamespace()
		if ns == "" {
			ns = namespace
			obj.SetNamespace(ns)
			if data, err = json.Marshal(obj.Object); err != nil {
				return ApplyError{Kind: kind, Name: name, Err: err}
			}
		}
		_, err = c.Dynamic.Resource(mapping.gvr).Namespace(ns).Patch(ctx, name, types.ApplyPatchType, data, opts)
	} else {
		_, err = c.Dynamic.Resource(mapping.gvr).Patch(ctx, name, types.ApplyPatchType, data, opts)
	}
	if err != nil {
		return ApplyError{Kind: kind, Name: name, Err: err}
	}
	return nil
}

// ApplySecret applies an Opaque secret built from string data.
func (c *Client) ApplySecret(ctx context.Context, namespace, name string, data map[string]string) error {
	secret := &corev1.Secret{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Type:       corev1.SecretTypeOpaque,
		StringData: data,
	}
	return c.applyTyped(ctx, namespace, secret)
}

// ApplyConfigMap applies a ConfigMap with the given data.
func (c *Client) ApplyConfigMap(ctx context.Context, namespace, name string, data map[string]string) error {
	cm := &corev1.ConfigMap{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Data:       data,
	}
	return c.applyTyped(ctx, namespace, cm)
}

// DeleteNamespace removes the namespace and everything in it.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	if c == nil || c.Clientset == nil {
		return ClientError{Missing: "typed"}
	}
	return c.Clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
}

func (c *Client) applyTyped(ctx context.Context, namespace string, obj runtime.Object) error {
	raw, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return fmt.Errorf("convert %T: %w", obj, err)
	}
	u := &unstructured.Unstructured{Object: raw}
	unstructured.RemoveNestedField(u.Object, "metadata", "creationTimestamp")
	unstructured.RemoveNestedField(u.Object, "status")
	return c.ApplyObject(ctx, namespace, u)
}
