package activity

import "time"

// Concerns the classifier schedules work under. Scheduling a concern replaces
// whatever was pending for it.
const (
	concernDecay    = "decay"
	concernEscalate = "escalate"
)

// rank orders tasks due at the same instant. Escalation goes first so a
// status that is about to be replaced does not decay to idle in between.
func rank(concern string) int {
	switch concern {
	case concernEscalate:
		return 0
	case concernDecay:
		return 1
	default:
		return 2
	}
}

type task struct {
	at  time.Time
	run func(now time.Time)
}

// scheduler is a set of pending tasks keyed by concern. It has no goroutines;
// the owner advances it with an explicit clock.
type scheduler struct {
	tasks map[string]task
}

func newScheduler() *scheduler {
	return &scheduler{tasks: make(map[string]task)}
}

func (s *scheduler) schedule(concern string, at time.Time, run func(now time.Time)) {
	s.tasks[concern] = task{at: at, run: run}
}

func (s *scheduler) cancel(concerns ...string) {
	for _, c := range concerns {
		delete(s.tasks, c)
	}
}

func (s *scheduler) cancelAll() {
	clear(s.tasks)
}

func (s *scheduler) pending(concern string) bool {
	_, ok := s.tasks[concern]
	return ok
}

// next returns the earliest deadline.
func (s *scheduler) next() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, t := range s.tasks {
		if !found || t.at.Before(earliest) {
			earliest = t.at
			found = true
		}
	}
	return earliest, found
}

// advance runs every task due at or before now, earliest first, with the
// task's own deadline as its clock. Tasks scheduled by a running task are
// picked up in the same pass if they are also due.
func (s *scheduler) advance(now time.Time) {
	for {
		concern, t, ok := s.due(now)
		if !ok {
			return
		}
		delete(s.tasks, concern)
		t.run(t.at)
	}
}

func (s *scheduler) due(now time.Time) (string, task, bool) {
	var (
		concern string
		best    task
		found   bool
	)
	for c, t := range s.tasks {
		if t.at.After(now) {
			continue
		}
		if !found || t.at.Before(best.at) || (t.at.Equal(best.at) && rank(c) < rank(concern)) {
			concern, best, found = c, t, true
		}
	}
	return concern, best, found
}
