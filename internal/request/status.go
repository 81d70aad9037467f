package request

// Status is the lifecycle state of a service request.
type Status string

const (
	StatusPending    Status = "pending"     // Created, funds in custody
	StatusInProgress Status = "in_progress" // Provider acknowledged the work
	StatusCompleted  Status = "completed"   // Result submitted
	StatusApproved   Status = "approved"    // Requester approved, funds released
	StatusDisputed   Status = "disputed"    // Requester disputed, funds held
	StatusCancelled  Status = "cancelled"   // Requester cancelled, funds refunded
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted,
		StatusApproved, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusCompleted || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted
	case StatusCompleted:
		return next == StatusApproved || next == StatusDisputed
	case StatusApproved, StatusDisputed, StatusCancelled:
		return false
	}
	return false
}

// IsTerminal returns true if no transition leaves s. Disputed requests are
// terminal here; arbitration happens elsewhere.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// HasResult reports whether a request in status s carries a result.
func (s Status) HasResult() bool {
	switch s {
	case StatusCompleted, StatusApproved, StatusDisputed:
		return true
	}
	return false
}
