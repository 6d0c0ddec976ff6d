// Package deploy applies the installer's resource groups to the cluster one
// step at a time and reports a result for every step.
package deploy

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/baker-street/bakerst-install/utils/metrics"
)

// Connector builds the cluster client used for the whole sequence.
type Connector func(ctx context.Context) (Applier, error)

// EventKind classifies a sequencer event.
type EventKind int

const (
	// StepFinished carries one step's terminal result.
	StepFinished EventKind = iota
	// SequenceComplete follows the last step result.
	SequenceComplete
)

// Event is an immutable sequencer report.
type Event struct {
	Kind  EventKind
	Index int
	Name  string
	Err   error
}

// Result is one step's outcome.
type Result struct {
	Index int
	Name  string
	Err   error
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sequencer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records step results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

// Sequencer runs deploy steps strictly in order.
type Sequencer struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewSequencer constructs a Sequencer.
func NewSequencer(opts ...Option) *Sequencer {
	s := &Sequencer{logger: zap.NewNop()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// EventBuffer is a channel capacity that holds every event of a run.
func EventBuffer(steps int) int {
	return steps + 1
}

// Run connects once and then runs every step in order. A failed step does
// not stop the sequence. A connection failure is reported as the failure of
// the first step, after which the sequence completes without running the
// rest. SequenceComplete is always the last event.
func (s *Sequencer) Run(ctx context.Context, connect Connector, steps []Step, events chan<- Event) []Result {
	if connect == nil {
		connect = func(context.Context) (Applier, error) {
			return nil, errors.New("cluster connector is not configured")
		}
	}

	applier, err := connect(ctx)
	if err != nil {
		name := "Connect"
		if len(steps) > 0 {
			name = steps[0].Name
		}
		s.logger.Error("cluster connection failed, skipping deploy", zap.Error(err))
		s.metrics.DeployStep(name, err)
		s.emit(ctx, events, Event{Kind: StepFinished, Index: 0, Name: name, Err: err})
		s.emit(ctx, events, Event{Kind: SequenceComplete})
		return []Result{{Index: 0, Name: name, Err: err}}
	}

	results := make([]Result, 0, len(steps))
	for i, step := range steps {
		err := runStep(ctx, step, applier)
		if err != nil {
			s.logger.Error("deploy step failed", zap.Int("index", i), zap.String("step", step.Name), zap.Error(err))
		} else {
			s.logger.Info("deploy step applied", zap.Int("index", i), zap.String("step", step.Name))
		}
		s.metrics.DeployStep(step.Name, err)
		results = append(results, Result{Index: i, Name: step.Name, Err: err})
		s.emit(ctx, events, Event{Kind: StepFinished, Index: i, Name: step.Name, Err: err})
	}
	s.emit(ctx, events, Event{Kind: SequenceComplete})
	return results
}

func runStep(ctx context.Context, step Step, a Applier) (err error) {
	if step.Run == nil {
		return errors.New("step has no action")
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Step: step.Name, Value: r}
		}
	}()
	return step.Run(ctx, a)
}

func (s *Sequencer) emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
