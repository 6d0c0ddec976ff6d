// Package imagepull invokes the container runtime to pull images and
// classifies failures that stem from local configuration.
package imagepull

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a local command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, stderr string, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (string, string, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

// Run implements Runner using os/exec.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Option configures a Puller.
type Option func(*Puller) error

// WithRunner swaps the command runner.
func WithRunner(r Runner) Option {
	return func(p *Puller) error {
		if r == nil {
			return RunnerError{}
		}
		p.runner = r
		return nil
	}
}

// WithBinary overrides the container runtime binary (default "docker").
func WithBinary(binary string) Option {
	return func(p *Puller) error {
		binary = strings.TrimSpace(binary)
		if binary == "" {
			return OptionError{Reason: "binary must not be empty"}
		}
		p.binary = binary
		return nil
	}
}

// Puller pulls single images through the runtime CLI.
type Puller struct {
	runner Runner
	binary string
	now    func() time.Time
}

// New constructs a Puller that shells out to docker by default.
func New(opts ...Option) (*Puller, error) {
	p := &Puller{
		runner: ExecRunner{},
		binary: "docker",
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Binary returns the runtime binary name.
func (p *Puller) Binary() string {
	return p.binary
}

// Pull fetches one image and returns how long it took. Failures carry the
// trimmed stderr of the runtime.
func (p *Puller) Pull(ctx context.Context, image string) (time.Duration, error) {
	if p == nil || p.runner == nil {
		return 0, RunnerError{}
	}
	image = strings.TrimSpace(image)
	if image == "" {
		return 0, ValidationError{Reason: "image reference is required"}
	}

	start := p.now()
	_, stderr, err := p.runner.Run(ctx, p.binary, "pull", image)
	if err != nil {
		stderr = strings.TrimSpace(stderr)
		if stderr == "" {
			stderr = strings.TrimSpace(err.Error())
		}
		return 0, PullError{Image: image, Err: err, Stderr: stderr}
	}
	return p.now().Sub(start), nil
}

// CheckRuntime verifies the runtime binary can be executed.
func (p *Puller) CheckRuntime(ctx context.Context) (string, error) {
	if p == nil || p.runner == nil {
		return "", RunnerError{}
	}
	stdout, stderr, err := p.runner.Run(ctx, p.binary, "--version")
	if err != nil {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return "", PullError{Image: p.binary, Err: err, Stderr: msg}
	}
	return strings.TrimSpace(stdout), nil
}

var localConfigSignatures = []string{
	"credential",
	"not found in path",
	"not found in $path",
	"executable file not found",
	"docker daemon is not running",
	"is the docker daemon running",
	"cannot connect to the docker daemon",
	"permission denied",
}

// IsLocalConfigError reports whether the error text matches a local
// configuration signature (credential helper, missing binary, unreachable
// daemon, permissions).
func IsLocalConfigError(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range localConfigSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Classify wraps err in LocalConfigError when it matches a local
// configuration signature, and returns it unchanged otherwise.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var local LocalConfigError
	if errors.As(err, &local) {
		return err
	}
	if IsLocalConfigError(err.Error()) {
		return LocalConfigError{Err: err}
	}
	return err
}
