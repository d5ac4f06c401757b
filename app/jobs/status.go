package jobs

// Status represents the lifecycle state of a conversion job.
type Status string

// job lifecycle states. completed, failed and cancelled are terminal
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions defines all legal status changes. Anything not listed is rejected,
// the scheduler never trusts callers to request a valid transition.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusPaused, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCancelled, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusPending, StatusRunning},
}

// Valid reports if the status is one of the known lifecycle states
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports if the status is final. Terminal jobs never change status again,
// retry makes a brand-new job instead.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports if a change from s to the target status is legal
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// TerminalStatuses returns all final statuses, the default set for ClearFinished
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}

// ParseStatus converts a string to Status, false if not a known state
func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	return s, s.Valid()
}
