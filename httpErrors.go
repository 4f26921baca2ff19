package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/utils"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{models.ErrValidationFailed, http.StatusUnprocessableEntity, "validation_failed"},
	{models.ErrTenantRequired, http.StatusUnauthorized, "tenant_required"},
	{utils.ErrorUserRequired, http.StatusUnauthorized, "user_required"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden"},
	{models.ErrEntryNotFound, http.StatusNotFound, "entry_not_found"},
	{models.ErrAlarmNotFound, http.StatusNotFound, "alarm_not_found"},
	{models.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{models.ErrProjectNotFound, http.StatusNotFound, "project_not_found"},
	{models.ErrNoActiveSession, http.StatusNotFound, "no_active_session"},
	{utils.ErrorRecordNotFound, http.StatusNotFound, "not_found"},
	{models.ErrEntryLocked, http.StatusConflict, "entry_locked"},
	{models.ErrAuditLocked, http.StatusConflict, "audit_locked"},
	{models.ErrBlockedByAlarm, http.StatusConflict, "blocked_by_alarm"},
	{models.ErrBlockedByLock, http.StatusConflict, "blocked_by_lock"},
	{models.ErrIncompleteSession, http.StatusConflict, "incomplete_session"},
	{models.ErrTimerAlreadyRunning, http.StatusConflict, "timer_already_running"},
	{models.ErrAlarmResolved, http.StatusConflict, "alarm_resolved"},
	{models.ErrAppealPending, http.StatusConflict, "appeal_pending"},
	{models.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{utils.ErrorConcurrentUpdate, http.StatusConflict, "concurrent_update"},
}

func classifyError(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// errorBody renders err with whatever detail the rich error types carry.
func errorBody(err error) gin.H {
	_, code := classifyError(err)
	body := gin.H{"error": err.Error(), "code": code}

	var verr *models.ValidationError
	if errors.As(err, &verr) {
		body["fields"] = verr.Fields
	}
	var blocked *models.BlockedError
	if errors.As(err, &blocked) {
		if blocked.Reason != "" {
			body["reason"] = blocked.Reason
		}
		if blocked.NextStep != "" {
			body["next_step"] = blocked.NextStep
		}
		if len(blocked.Alarms) > 0 {
			body["alarms"] = blocked.Alarms
		}
	}
	var terr *models.TransitionError
	if errors.As(err, &terr) {
		body["entry_id"] = terr.EntryId
		body["from_status"] = terr.From
		body["action"] = terr.Action
	}
	return body
}

func abortWithError(c *gin.Context, err error) {
	status, _ := classifyError(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "code": "internal"})
		return
	}
	c.AbortWithStatusJSON(status, errorBody(err))
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "bad_request"})
}
