package kube

import "sync"

// Lazy builds a Client on first use and caches it. Failed builds are not
// cached so a later call can retry (e.g. after the operator fixes kubeconfig).
type Lazy struct {
	kubeconfig string
	context    string
	build      func(kubeconfigPath, contextName string) (*Client, error)

	mu     sync.Mutex
	client *Client
}

// NewLazy returns a Lazy for the given kubeconfig path and context.
func NewLazy(kubeconfigPath, contextName string) *Lazy {
	return &Lazy{kubeconfig: kubeconfigPath, context: contextName, build: New}
}

// Get returns the cached client, building it if needed.
func (l *Lazy) Get() (*Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client, nil
	}
	c, err := l.build(l.kubeconfig, l.context)
	if err != nil {
		return nil, err
	}
	l.client = c
	return c, nil
}

// Static returns a Lazy that always yields c.
func Static(c *Client) *Lazy {
	return &Lazy{client: c, build: New}
}
