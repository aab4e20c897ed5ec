// internal/booking/status.go
package booking

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
	StatusOverdue   Status = "OVERDUE"
)

// ErrInvalidStatus is returned when a string does not name a booking status.
var ErrInvalidStatus = errors.New("invalid booking status")

var allStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusActive,
	StatusCompleted,
	StatusCancelled,
	StatusRejected,
	StatusOverdue,
}

var descriptions = map[Status]string{
	StatusPending:   "Pending - Waiting for owner approval",
	StatusConfirmed: "Confirmed - Approved by owner, awaiting pickup",
	StatusActive:    "Active - Item currently borrowed",
	StatusCompleted: "Completed - Item returned successfully",
	StatusCancelled: "Cancelled - Booking cancelled by borrower",
	StatusRejected:  "Rejected - Declined by owner",
	StatusOverdue:   "Overdue - Return date passed",
}

// OVERDUE has no outgoing transitions even though CanBeCompleted reports true
// for it. Kept as is until product decides whether OVERDUE -> COMPLETED is legal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusRejected},
	StatusConfirmed: {StatusActive, StatusCancelled},
	StatusActive:    {StatusCompleted, StatusOverdue},
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus parses a status name, ignoring case and surrounding whitespace.
func ParseStatus(value string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(value))
	if name == "" {
		return "", fmt.Errorf("%w: booking status cannot be empty", ErrInvalidStatus)
	}
	s := Status(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q. Valid values are: %s", ErrInvalidStatus, value, validNames())
	}
	return s, nil
}

func validNames() string {
	names := make([]string, len(allStatuses))
	for i, s := range allStatuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := descriptions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// Description returns the human readable description of s.
func (s Status) Description() string { return descriptions[s] }

func (s Status) CanBeCancelled() bool { return s == StatusPending || s == StatusConfirmed }
func (s Status) CanBeConfirmed() bool { return s == StatusPending }
func (s Status) CanBeActivated() bool { return s == StatusConfirmed }
func (s Status) CanBeCompleted() bool { return s == StatusActive || s == StatusOverdue }

// IsFinal reports whether the booking lifecycle has ended.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// IsActive reports whether the item is with the borrower.
func (s Status) IsActive() bool { return s == StatusActive || s == StatusOverdue }

// CanTransitionTo reports whether a booking in s may move to target.
func (s Status) CanTransitionTo(target Status) bool {
	if target == "" {
		return false
	}
	for _, allowed := range transitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}
