package ledger

import "errors"

var (
	// ErrNotFound is returned when a plan, step, branch, route or ticket id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrRouteExists is returned when binding a backend/tool pair twice.
	ErrRouteExists = errors.New("route already exists")

	// ErrDependencyUnsatisfied is returned when a step would start or finish
	// before all of its dependencies are done.
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")

	// ErrInvalidTransition is returned for status changes outside the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTicketNotCompleted is returned when attesting a ticket that has not completed.
	ErrTicketNotCompleted = errors.New("ticket not completed")
)
