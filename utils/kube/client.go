// Package kube wraps the Kubernetes clients used by the installer: building
// them from kubeconfig, server-side applying the supported resource kinds,
// and reading deployment state.
package kube

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// FieldManager identifies installer-owned fields for server-side apply.
const FieldManager = "bakerst-install"

// Client bundles the typed and dynamic clients for one kube context.
type Client struct {
	Clientset kubernetes.Interface
	Dynamic   dynamic.Interface
	Context   string
	Server    string
}

// New loads kubeconfig (explicit path or default rules) and builds clients
// for contextName, or the current context when empty.
func New(kubeconfigPath, contextName string) (*Client, error) {
	loader := clientcmd.NewDefaultClientConfigLoadingRules()
	if p := strings.TrimSpace(kubeconfigPath); p != "" {
		loader.ExplicitPath = p
	}
	overrides := &clientcmd.ConfigOverrides{}
	if c := strings.TrimSpace(contextName); c != "" {
		overrides.CurrentContext = c
	}

	cfg := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loader, overrides)
	rawCfg, err := cfg.RawConfig()
	if err != nil {
		return nil, wrapConfigErr(err)
	}
	restCfg, err := cfg.ClientConfig()
	if err != nil {
		return nil, wrapConfigErr(err)
	}
	restCfg.Timeout = 10 * time.Second

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize kubernetes clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dynamic client: %w", err)
	}

	effective := strings.TrimSpace(overrides.CurrentContext)
	if effective == "" {
		effective = strings.TrimSpace(rawCfg.CurrentContext)
	}
	return &Client{
		Clientset: clientset,
		Dynamic:   dyn,
		Context:   effective,
		Server:    restCfg.Host,
	}, nil
}

// NewForInterfaces wraps pre-built clients, typically fakes.
func NewForInterfaces(clientset kubernetes.Interface, dyn dynamic.Interface, contextName string) *Client {
	return &Client{Clientset: clientset, Dynamic: dyn, Context: contextName}
}

// Identity is the cluster identity string shown to the operator.
func (c *Client) Identity() string {
	if c == nil {
		return ""
	}
	switch {
	case c.Context != "" && c.Server != "":
		return fmt.Sprintf("%s (%s)", c.Context, c.Server)
	case c.Context != "":
		return c.Context
	default:
		return c.Server
	}
}

// ServerVersion checks API reachability and returns the server git version.
func (c *Client) ServerVersion(context.Context) (string, error) {
	if c == nil || c.Clientset == nil {
		return "", ClientError{Missing: "typed"}
	}
	info, err := c.Clientset.Discovery().ServerVersion()
	if err != nil {
		return "", wrapConnErr(err)
	}
	return info.GitVersion, nil
}
