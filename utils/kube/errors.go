package kube

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// UnsupportedKindError is returned for resource kinds outside the apply table.
type UnsupportedKindError struct {
	Kind      string
	Supported []string
}

func (e UnsupportedKindError) Error() string {
	if len(e.Supported) == 0 {
		return fmt.Sprintf("unsupported resource kind %q", e.Kind)
	}
	return fmt.Sprintf("unsupported resource kind %q (supported: %s)", e.Kind, strings.Join(e.Supported, ", "))
}

// ApplyError wraps a failed apply of one resource.
type ApplyError struct {
	Kind string
	Name string
	Err  error
}

func (e ApplyError) Error() string {
	return fmt.Sprintf("apply %s/%s: %v", e.Kind, e.Name, e.Err)
}

func (e ApplyError) Unwrap() error {
	return e.Err
}

// ClientError indicates the client was used without the required interface.
type ClientError struct {
	Missing string
}

func (e ClientError) Error() string {
	return fmt.Sprintf("kubernetes %s client is not initialized", e.Missing)
}

func wrapConfigErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no configuration has been provided"):
		return fmt.Errorf("kubeconfig not found or empty; set --kubeconfig or KUBECONFIG")
	case strings.Contains(msg, "no context exists with the name"):
		return fmt.Errorf("requested context not found in kubeconfig: %w", err)
	case strings.Contains(msg, "unable to read"):
		return fmt.Errorf("failed to read kubeconfig file: %w", err)
	default:
		return fmt.Errorf("failed to load kubeconfig: %w", err)
	}
}

func wrapConnErr(err error) error {
	if err == nil {
		return nil
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if ne, ok := uerr.Err.(net.Error); ok && ne.Timeout() {
			return fmt.Errorf("cluster connection timed out; check network and API server reachability")
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return fmt.Errorf("authentication failed; refresh credentials for the selected context")
	case strings.Contains(msg, "x509"), strings.Contains(msg, "certificate"):
		return fmt.Errorf("TLS validation failed; verify cluster certificate/CA in kubeconfig")
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "dial tcp"), strings.Contains(msg, "connection refused"):
		return fmt.Errorf("cannot reach Kubernetes API endpoint; verify server URL and network access")
	default:
		return fmt.Errorf("failed to connect to Kubernetes API: %w", err)
	}
}
