package phases

import "fmt"

// Phase is one stage of the linear install sequence.
type Phase int

const (
	Preflight Phase = iota
	Secrets
	Features
	Confirm
	Pull
	Deploy
	Health
	Complete
)

// PhaseMetadata contains descriptive information used by presentation layers (e.g., TUI).
type PhaseMetadata struct {
	ID          string
	Title       string
	Description string
	// AutoAdvance marks phases that leave on their own once background work finishes.
	AutoAdvance bool
}

var phaseMetadata = [...]PhaseMetadata{
	Preflight: {ID: "preflight", Title: "Preflight", Description: "Verify cluster access and the container runtime", AutoAdvance: true},
	Secrets:   {ID: "secrets", Title: "Secrets", Description: "Collect credentials for the services"},
	Features:  {ID: "features", Title: "Features", Description: "Choose optional features"},
	Confirm:   {ID: "confirm", Title: "Confirm", Description: "Review the installation"},
	Pull:      {ID: "pull", Title: "Pull Images", Description: "Pull container images", AutoAdvance: true},
	Deploy:    {ID: "deploy", Title: "Deploy", Description: "Apply cluster resources in order", AutoAdvance: true},
	Health:    {ID: "health", Title: "Health Check", Description: "Wait for workloads to become ready", AutoAdvance: true},
	Complete:  {ID: "complete", Title: "Complete", Description: "Installation finished"},
}

// All returns every phase in order.
func All() []Phase {
	return []Phase{Preflight, Secrets, Features, Confirm, Pull, Deploy, Health, Complete}
}

// Total is the number of phases.
func Total() int {
	return len(phaseMetadata)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p >= Preflight && p <= Complete
}

// Index is the zero-based position of the phase.
func (p Phase) Index() int {
	return int(p)
}

// Metadata describes the phase.
func (p Phase) Metadata() PhaseMetadata {
	if !p.Valid() {
		return PhaseMetadata{ID: "unknown", Title: p.String()}
	}
	return phaseMetadata[p]
}

// Label is the operator-facing phase title.
func (p Phase) Label() string {
	return p.Metadata().Title
}

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseMetadata[p].ID
}

// Next returns the fixed successor; false only at Complete.
func (p Phase) Next() (Phase, bool) {
	if !p.Valid() || p == Complete {
		return p, false
	}
	return p + 1, true
}

// ReturnTarget records where secret collection goes when it finishes.
type ReturnTarget int

const (
	// ReturnNone continues the main line (Secrets -> Features).
	ReturnNone ReturnTarget = iota
	// ReturnConfirm finishes a feature-secret detour (Secrets -> Confirm).
	ReturnConfirm
)

// State is the tagged phase state: the current phase plus any pending detour.
type State struct {
	Phase         Phase
	PendingReturn ReturnTarget
}

// Observer receives phase transition callbacks.
type Observer interface {
	PhaseChanged(from, to Phase)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(from, to Phase)

// PhaseChanged implements Observer.
func (f ObserverFunc) PhaseChanged(from, to Phase) {
	if f != nil {
		f(from, to)
	}
}

// InputKind identifies how a prompt should be rendered.
type InputKind string

const (
	InputKindText   InputKind = "text"
	InputKindSecret InputKind = "secret"
)

// ItemState is the lifecycle of a tracked item (image, step, check).
type ItemState int

const (
	ItemPending ItemState = iota
	ItemInProgress
	ItemDone
	ItemFailed
	ItemSkipped
)

func (s ItemState) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemInProgress:
		return "in progress"
	case ItemDone:
		return "done"
	case ItemFailed:
		return "failed"
	case ItemSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the item's work.
func (s ItemState) Terminal() bool {
	return s == ItemDone || s == ItemFailed || s == ItemSkipped
}

// ItemStatus is the state of one item plus a human-readable message.
type ItemStatus struct {
	State   ItemState
	Message string
}

// Named pairs an item name with its status.
type Named struct {
	Name   string
	Status ItemStatus
}

// Progress is a (done, total) counter.
type Progress struct {
	Done  int
	Total int
}

// Finished reports whether every item has reported.
func (p Progress) Finished() bool {
	return p.Done >= p.Total
}

// Fraction returns done/total in [0,1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Done) / float64(p.Total)
}
