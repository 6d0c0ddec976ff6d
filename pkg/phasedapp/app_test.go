package phasedapp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/baker-street/bakerst-install/phases"
	"github.com/baker-street/bakerst-install/phases/preflight"
	"github.com/baker-street/bakerst-install/utils/manifest"
)

func TestNewRequiresManifest(t *testing.T) {
	t.Parallel()
	_, err := New()
	require.ErrorIs(t, err, ErrNoManifest)
}

func TestAppStartRunsPreflight(t *testing.T) {
	t.Parallel()

	called := make(chan struct{}, 1)
	app := newTestApp(t, WithPreflight(func(context.Context) preflight.Result {
		called <- struct{}{}
		return preflight.Result{Checks: []phases.Named{
			{Name: preflight.CheckCluster, Status: phases.ItemStatus{State: phases.ItemFailed, Message: "unreachable"}},
		}}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := runAppAsync(app, ctx)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("preflight did not run")
	}

	require.NoError(t, app.Stop())
	assertNoError(t, errCh)

	phase, cfg, ok := app.Summary()
	require.True(t, ok)
	require.Equal(t, phases.Preflight, phase)
	require.Equal(t, "bakerst", cfg.Namespace)
}

func TestAppRejectsConcurrentStart(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	app := newTestApp(t, WithPreflight(func(ctx context.Context) preflight.Result {
		select {
		case <-ctx.Done():
		case <-release:
		}
		return preflight.Result{}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := runAppAsync(app, ctx)

	// Give the first Start call a moment to initialize.
	time.Sleep(50 * time.Millisecond)

	require.ErrorIs(t, app.Start(ctx), ErrProgramRunning)
	_, _, ok := app.Summary()
	require.False(t, ok)

	close(release)
	require.NoError(t, app.Stop())
	assertNoError(t, errCh)
}

func TestAppStartReturnsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, WithPreflight(func(ctx context.Context) preflight.Result {
		<-ctx.Done()
		return preflight.Result{}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := runAppAsync(app, ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("expected nil or context cancellation error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("start did not return after cancellation")
	}
}

// --- helpers ---

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	headlessInput := bytes.NewBuffer(nil)
	opts = append([]Option{WithManifest(manifest.Default())}, opts...)
	opts = append(opts, WithProgramOptions(
		tea.WithoutRenderer(),
		tea.WithInput(headlessInput),
		tea.WithOutput(io.Discard),
	))
	app, err := New(opts...)
	require.NoError(t, err)
	return app
}

func runAppAsync(app *App, ctx context.Context) chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start(ctx)
	}()
	return errCh
}

func assertNoError(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("app did not exit")
	}
}
