package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/timesheet_backend/utils"
)

var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrEntryLocked         = errors.New("timesheet entry is locked")
	ErrAuditLocked         = errors.New("timesheet is audit locked")
	ErrBlockedByAlarm      = errors.New("blocked by enforcement alarm")
	ErrBlockedByLock       = errors.New("project or milestone is settled")
	ErrEntryNotFound       = errors.New("timesheet entry not found")
	ErrIncompleteSession   = errors.New("clock session is missing project or task")
	ErrValidationFailed    = errors.New("validation failed")
	ErrTimerAlreadyRunning = errors.New("timer is already running")
	ErrNoActiveSession     = errors.New("no timer is running")
	ErrAlarmNotFound       = errors.New("alarm not found")
	ErrAlarmResolved       = errors.New("alarm is already resolved")
	ErrAppealPending       = errors.New("alarm already has a pending appeal")
	ErrForbidden           = errors.New("not allowed")
	ErrTenantRequired      = utils.ErrorTenantRequired
	ErrUserNotFound        = errors.New("user not found")
	ErrProjectNotFound     = errors.New("project not found")
	ErrImmutableEvent      = errors.New("approval history is append-only")
)

// TransitionError explains a refused state change. errors.Is(err, ErrInvalidTransition) holds.
type TransitionError struct {
	EntryId int
	From    EntryStatus
	Action  EntryAction
	Roles   []ActorRole
}

func (e *TransitionError) Error() string {
	roles := make([]string, 0, len(e.Roles))
	for _, r := range e.Roles {
		roles = append(roles, string(r))
	}
	if len(roles) == 0 {
		roles = append(roles, "none")
	}
	return fmt.Sprintf("invalid transition: cannot %s entry %d in status %s as %s; re-fetch the entry and retry",
		e.Action, e.EntryId, e.From, strings.Join(roles, ","))
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// BlockedError carries why an action was refused and what the user can do about it.
type BlockedError struct {
	Cause    error
	Reason   string
	NextStep string
	Alarms   []*Notification
}

func (e *BlockedError) Error() string {
	msg := e.Cause.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.NextStep != "" {
		msg += " (" + e.NextStep + ")"
	}
	return msg
}

func (e *BlockedError) Unwrap() error { return e.Cause }

// ValidationError lists failed fields. errors.Is(err, ErrValidationFailed) holds.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, problem string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: problem}}
}

func (e *ValidationError) Add(field, problem string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = problem
}

func (e *ValidationError) HasErrors() bool { return len(e.Fields) > 0 }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }
