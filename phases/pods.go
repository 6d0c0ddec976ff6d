package phases

// CrashLoopReason is the container waiting reason that marks a crash loop.
const CrashLoopReason = "CrashLoopBackOff"

// PodHealth is the observed state of one pod.
type PodHealth struct {
	Name     string
	Workload string
	Ready    bool
	Status   string
	Image    string
	Restarts int32
	// ErrorReason is set when the pod is classified as failing (e.g. CrashLoopBackOff).
	ErrorReason string
	LogTail     string
}

// HealthOutcome is the terminal state of health monitoring.
type HealthOutcome int

const (
	HealthPolling HealthOutcome = iota
	HealthHealthy
	HealthTimedOut
)

// podSet keeps pods keyed by name in first-seen order; updates replace in place.
type podSet struct {
	byName map[string]PodHealth
	order  []string
}

func (s *podSet) upsert(p PodHealth) {
	if s.byName == nil {
		s.byName = make(map[string]PodHealth)
	}
	if _, ok := s.byName[p.Name]; !ok {
		s.order = append(s.order, p.Name)
	}
	s.byName[p.Name] = p
}

func (s *podSet) list() []PodHealth {
	out := make([]PodHealth, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}
