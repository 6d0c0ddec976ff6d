package phases

// statusTable is a fixed-size per-item status list with a done counter.
// It is created once when its phase is first entered.
type statusTable struct {
	started bool
	names   []string
	items   []ItemStatus
	done    int
}

func (t *statusTable) begin(names []string) bool {
	if t.started {
		return false
	}
	t.started = true
	t.names = append([]string(nil), names...)
	t.items = make([]ItemStatus, len(names))
	t.done = 0
	return true
}

// mark sets an item's status; the done counter grows the first time an
// item reaches a terminal state.
func (t *statusTable) mark(index int, status ItemStatus) bool {
	if index < 0 || index >= len(t.items) {
		return false
	}
	prev := t.items[index]
	if prev.State.Terminal() {
		return false
	}
	t.items[index] = status
	if status.State.Terminal() {
		t.done++
	}
	return true
}

func (t *statusTable) progress() Progress {
	return Progress{Done: t.done, Total: len(t.items)}
}

func (t *statusTable) finished() bool {
	return t.started && t.done >= len(t.items)
}

func (t *statusTable) snapshot() []Named {
	out := make([]Named, len(t.items))
	for i := range t.items {
		out[i] = Named{Name: t.names[i], Status: t.items[i]}
	}
	return out
}
