package models

import (
	"errors"
	"fmt"
)

// Status enumerates lifecycle states persisted in the tasks table.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status")
)

// TransitionError reports a rejected transition. It matches ErrInvalidTransition.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Lifecycle is the single state machine shared by every task type. Review and
// generation tasks start queued and fail as "failed"; Q&A tasks start pending and
// fail as "error". Only the labels differ.
type Lifecycle struct {
	Initial Status
	Success Status
	Failure Status
}

var (
	ReviewLifecycle = Lifecycle{Initial: StatusQueued, Success: StatusCompleted, Failure: StatusFailed}
	QALifecycle     = Lifecycle{Initial: StatusPending, Success: StatusCompleted, Failure: StatusError}
)

// LifecycleFor returns the labels used by tasks of the given type.
func LifecycleFor(t TaskType) Lifecycle {
	if t == TypeQA {
		return QALifecycle
	}
	return ReviewLifecycle
}

// Valid reports whether s belongs to this lifecycle.
func (l Lifecycle) Valid(s Status) bool {
	switch s {
	case l.Initial, StatusProcessing, l.Success, l.Failure, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (l Lifecycle) IsTerminal(s Status) bool {
	return s == l.Success || s == l.Failure || s == StatusCancelled
}

// CanTransition validates one edge of the machine:
//
//	initial -> processing -> {success | failure | cancelled}
//	initial -> cancelled
func (l Lifecycle) CanTransition(from, to Status) bool {
	switch from {
	case l.Initial:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == l.Success || to == l.Failure || to == StatusCancelled
	}
	return false
}
