package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/timesheet_backend/middlewares"
	"github.com/mmdatafocus/timesheet_backend/models"
	"github.com/mmdatafocus/timesheet_backend/workflow"
)

type api struct {
	svc *workflow.Service
}

func (h *api) register(g *gin.RouterGroup) {
	g.POST("/auth/logout", h.logout)

	g.GET("/entries", h.listEntries)
	g.POST("/entries", h.createEntry)
	g.GET("/entries/pending", h.pendingEntries)
	g.POST("/entries/submit", h.submitEntries)
	g.POST("/entries/batch/approve", h.approveEntries)
	g.POST("/entries/batch/reject", h.rejectEntries)
	g.GET("/entries/:id", h.getEntry)
	g.PUT("/entries/:id", h.updateEntry)
	g.DELETE("/entries/:id", h.deleteEntry)
	g.GET("/entries/:id/history", h.entryHistory)
	g.POST("/entries/:id/approve", h.approveEntry)
	g.POST("/entries/:id/reject", h.rejectEntry)

	g.GET("/timer", h.activeTimer)
	g.GET("/timer/long-running", h.longRunningTimers)
	g.POST("/timer/start", h.startTimer)
	g.POST("/timer/pause", h.pauseTimer)
	g.POST("/timer/resume", h.resumeTimer)
	g.POST("/timer/stop", h.stopTimer)
	g.POST("/timer/discard", h.discardTimer)

	g.POST("/audit-locks", h.setAuditLock)
	g.GET("/audit-locks/:userId", h.getAuditLock)

	g.GET("/alarms", h.outstandingAlarms)
	g.GET("/alarms/appeals", h.pendingAppeals)
	g.POST("/alarms/evaluate", h.evaluateSelf)
	g.POST("/alarms/:id/appeal", h.appealAlarm)
	g.POST("/alarms/:id/approve-appeal", h.approveAppeal)
	g.POST("/alarms/:id/reject-appeal", h.rejectAppeal)
	g.POST("/alarms/:id/resolve", h.resolveAlarm)

	g.GET("/notifications", h.listNotifications)
	g.POST("/notifications/:id/read", h.markNotificationRead)
}

func pathId(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		badRequest(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func queryDate(c *gin.Context, name string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, true
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		badRequest(c, name+" must be YYYY-MM-DD")
		return nil, false
	}
	return &d, true
}

// bindJSON decodes an optional body; an empty body leaves dest untouched.
func bindJSON(c *gin.Context, dest any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		badRequest(c, "invalid request body")
		return false
	}
	return true
}

type batchResult struct {
	workflow.EntryResult
	Code string `json:"code,omitempty"`
}

func batchResponse(results []workflow.EntryResult) gin.H {
	out := make([]batchResult, 0, len(results))
	failed := 0
	for _, r := range results {
		br := batchResult{EntryResult: r}
		if r.Err != nil {
			_, br.Code = classifyError(r.Err)
			failed++
		}
		out = append(out, br)
	}
	return gin.H{"results": out, "succeeded": len(results) - failed, "failed": failed}
}

func (h *api) logout(c *gin.Context) {
	if err := middlewares.RevokeToken(c.Request.Context()); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// entries

func (h *api) createEntry(c *gin.Context) {
	var input models.NewTimesheetEntry
	if !bindJSON(c, &input) {
		return
	}
	entry, err := h.svc.Timesheets.CreateEntry(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *api) updateEntry(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var input models.NewTimesheetEntry
	if !bindJSON(c, &input) {
		return
	}
	entry, err := h.svc.Timesheets.UpdateEntry(c.Request.Context(), id, input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *api) deleteEntry(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Timesheets.DeleteEntry(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *api) getEntry(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	entry, err := h.svc.Timesheets.GetEntry(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *api) listEntries(c *gin.Context) {
	var filter models.EntryFilter
	var ok bool
	if filter.UserId, ok = queryInt(c, "user_id"); !ok {
		return
	}
	if filter.ProjectId, ok = queryInt(c, "project_id"); !ok {
		return
	}
	if filter.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	if filter.FromDate, ok = queryDate(c, "from"); !ok {
		return
	}
	if filter.ToDate, ok = queryDate(c, "to"); !ok {
		return
	}
	for _, s := range strings.Split(c.Query("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, models.EntryStatus(s))
		}
	}
	entries, err := h.svc.Timesheets.ListEntries(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *api) pendingEntries(c *gin.Context) {
	entries, err := h.svc.Timesheets.ListPendingForReviewer(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *api) entryHistory(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	events, err := h.svc.Timesheets.History(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type batchRequest struct {
	Ids     []int  `json:"ids"`
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (h *api) submitEntries(c *gin.Context) {
	var req batchRequest
	if !bindJSON(c, &req) {
		return
	}
	results, err := h.svc.Timesheets.Submit(c.Request.Context(), req.Ids)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batchResponse(results))
}

func (h *api) approveEntries(c *gin.Context) {
	var req batchRequest
	if !bindJSON(c, &req) {
		return
	}
	results, err := h.svc.Timesheets.ApproveMany(c.Request.Context(), req.Ids, req.Comment)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batchResponse(results))
}

func (h *api) rejectEntries(c *gin.Context) {
	var req batchRequest
	if !bindJSON(c, &req) {
		return
	}
	results, err := h.svc.Timesheets.RejectMany(c.Request.Context(), req.Ids, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batchResponse(results))
}

type approveRequest struct {
	models.ApprovalEdits
	Comment string `json:"comment"`
}

func (h *api) approveEntry(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req approveRequest
	if !bindJSON(c, &req) {
		return
	}
	entry, err := h.svc.Timesheets.Approve(c.Request.Context(), id, req.ApprovalEdits, req.Comment)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type reasonRequest struct {
	Reason  string `json:"reason"`
	Comment string `json:"comment"`
}

func (h *api) rejectEntry(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	entry, err := h.svc.Timesheets.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// timer

// withDeviceLocation moves the location headers sent by the client onto the context,
// where workflow.ContextGeolocator picks them up.
func withDeviceLocation(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.GetHeader("X-Geo-Latitude"), 64)
	lng, lngErr := strconv.ParseFloat(c.GetHeader("X-Geo-Longitude"), 64)
	if latErr != nil || lngErr != nil {
		return
	}
	accuracy, _ := strconv.ParseFloat(c.GetHeader("X-Geo-Accuracy"), 64)
	loc := &models.GeoLocation{Latitude: lat, Longitude: lng, Accuracy: accuracy, Address: c.GetHeader("X-Geo-Address")}
	c.Request = c.Request.WithContext(workflow.WithClientLocation(c.Request.Context(), loc))
}

func (h *api) startTimer(c *gin.Context) {
	var input models.StartInput
	if !bindJSON(c, &input) {
		return
	}
	withDeviceLocation(c)
	session, err := h.svc.Timer.Start(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *api) pauseTimer(c *gin.Context) {
	session, err := h.svc.Timer.Pause(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *api) resumeTimer(c *gin.Context) {
	session, err := h.svc.Timer.Resume(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *api) stopTimer(c *gin.Context) {
	var input models.StopInput
	if !bindJSON(c, &input) {
		return
	}
	withDeviceLocation(c)
	entries, err := h.svc.Timer.Stop(c.Request.Context(), input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entries": entries})
}

func (h *api) discardTimer(c *gin.Context) {
	session, err := h.svc.Timer.Discard(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *api) activeTimer(c *gin.Context) {
	timer, err := h.svc.Timer.Active(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, timer)
}

func (h *api) longRunningTimers(c *gin.Context) {
	hours, ok := queryInt(c, "hours")
	if !ok {
		return
	}
	timers, err := h.svc.Timer.LongRunning(c.Request.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timers": timers})
}

// audit locks

type auditLockRequest struct {
	UserIds []int `json:"user_ids"`
	Locked  bool  `json:"locked"`
}

func (h *api) setAuditLock(c *gin.Context) {
	var req auditLockRequest
	if !bindJSON(c, &req) {
		return
	}
	changed, err := h.svc.AuditLocks.SetLock(c.Request.Context(), req.UserIds, req.Locked)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "locked": req.Locked})
}

func (h *api) getAuditLock(c *gin.Context) {
	userId, ok := pathId(c, "userId")
	if !ok {
		return
	}
	locked, err := h.svc.AuditLocks.IsLocked(c.Request.Context(), userId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userId, "locked": locked})
}

// alarms

func (h *api) outstandingAlarms(c *gin.Context) {
	userId, ok := queryInt(c, "user_id")
	if !ok {
		return
	}
	alarms, err := h.svc.Enforcement.Outstanding(c.Request.Context(), userId)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alarms": alarms})
}

func (h *api) pendingAppeals(c *gin.Context) {
	alarms, err := h.svc.Enforcement.PendingAppeals(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alarms": alarms})
}

// evaluateSelf runs detection for the caller, which clients do on sign-in.
func (h *api) evaluateSelf(c *gin.Context) {
	claims := middlewares.CtxValue(c.Request.Context())
	if claims == nil {
		abortWithError(c, models.ErrTenantRequired)
		return
	}
	raised, err := h.svc.Enforcement.Evaluate(c.Request.Context(), claims.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	outstanding, err := h.svc.Enforcement.Outstanding(c.Request.Context(), 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"raised": raised, "outstanding": outstanding})
}

func (h *api) appealAlarm(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	alarm, err := h.svc.Enforcement.Appeal(c.Request.Context(), id, req.Reason)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alarm)
}

func (h *api) approveAppeal(c *gin.Context) {
	h.reviewAlarm(c, h.svc.Enforcement.ApproveAppeal)
}

func (h *api) rejectAppeal(c *gin.Context) {
	h.reviewAlarm(c, h.svc.Enforcement.RejectAppeal)
}

func (h *api) resolveAlarm(c *gin.Context) {
	h.reviewAlarm(c, h.svc.Enforcement.Resolve)
}

func (h *api) reviewAlarm(c *gin.Context, fn func(ctx context.Context, id int, comment string) (*models.Notification, error)) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	alarm, err := fn(c.Request.Context(), id, req.Comment)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, alarm)
}

// notifications

func (h *api) listNotifications(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	unread := strings.EqualFold(c.Query("unread"), "true")
	list, err := h.svc.Fanout.Inbox(c.Request.Context(), unread, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *api) markNotificationRead(c *gin.Context) {
	id, ok := pathId(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Fanout.MarkRead(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
