package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"pulsewatch/internal/logger"
	"pulsewatch/internal/markethours"
	"pulsewatch/internal/model"
	"pulsewatch/internal/monitor"
	"pulsewatch/internal/notification"
	"pulsewatch/internal/queue"
	"pulsewatch/internal/verification"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultTestMessage  = "**Pulsewatch test**\nNotifications on this channel are working."
)

type handlers struct {
	Deps
}

func abort(c *gin.Context, status int, err error) {
	c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// statusOf maps domain errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrUnknownType),
		errors.Is(err, notification.ErrUnknownChannel),
		errors.Is(err, verification.ErrNoPhone),
		errors.Is(err, verification.ErrInvalidCode):
		return http.StatusBadRequest
	case errors.Is(err, verification.ErrAlreadyVerified):
		return http.StatusConflict
	case errors.Is(err, verification.ErrTooSoon),
		errors.Is(err, verification.ErrTooManyAttempts),
		errors.Is(err, queue.ErrFull):
		return http.StatusTooManyRequests
	case errors.Is(err, verification.ErrDeliveryFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func alertID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, errors.New("invalid alert id"))
		return 0, false
	}
	return id, true
}

func (h *handlers) health(c *gin.Context) {
	if h.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	report, code := h.Health.Report()
	c.JSON(code, report)
}

func (h *handlers) alertTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": model.AlertTypes()})
}

func (h *handlers) checkType(c *gin.Context) {
	t, err := model.ParseAlertType(c.Param("type"))
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	force := c.Query("force") == "true"
	sum, skipped, err := h.Runner.RunOnce(c.Request.Context(), t, force)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	resp := gin.H{"alert_type": t, "skipped": skipped, "summary": sum}
	if skipped {
		resp["market_status"] = markethours.StatusString(time.Now())
	}
	c.JSON(http.StatusOK, resp)
}

type alertRequest struct {
	UserID         string              `json:"user_id"`
	Type           model.AlertType     `json:"alert_type"`
	Name           string              `json:"name"`
	Asset          string              `json:"asset"`
	Conditions     model.Condition     `json:"conditions"`
	Channels       []model.ChannelName `json:"notification_channels"`
	IsActive       *bool               `json:"is_active"`
	IsRecurring    bool                `json:"is_recurring"`
	CheckFrequency int                 `json:"check_frequency"`
}

func (h *handlers) createAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	a := &model.PersonalAlert{
		UserID:         req.UserID,
		Type:           req.Type,
		Name:           req.Name,
		Asset:          req.Asset,
		Condition:      req.Conditions,
		Channels:       req.Channels,
		IsActive:       req.IsActive == nil || *req.IsActive,
		IsRecurring:    req.IsRecurring,
		CheckFrequency: req.CheckFrequency,
	}
	a.Normalize()
	if err := a.Validate(); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.Alerts.Create(c.Request.Context(), a); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *handlers) getAlert(c *gin.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	a, err := h.Alerts.Get(c.Request.Context(), id)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *handlers) enqueue(c *gin.Context, job queue.Job) {
	if h.Queue == nil {
		abort(c, http.StatusServiceUnavailable, errors.New("async checks are not enabled"))
		return
	}
	job.TraceID = logger.TraceID(c.Request.Context())
	job.EnqueuedAt = time.Now().UTC()
	if err := h.Queue.Enqueue(c.Request.Context(), job); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "job": job})
}

func (h *handlers) checkAlert(c *gin.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	if c.Query("async") == "true" {
		h.enqueue(c, queue.Job{Kind: queue.KindAlert, AlertID: id})
		return
	}
	res, err := h.Checks.CheckAlert(c.Request.Context(), id)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) alertHistory(c *gin.Context) {
	id, ok := alertID(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			abort(c, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := c.Request.Context()
	if _, err := h.Alerts.Get(ctx, id); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	rows, err := h.History.ListByAlert(ctx, id, limit)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	if rows == nil {
		rows = []model.AlertHistory{}
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (h *handlers) checkUser(c *gin.Context) {
	userID := c.Param("id")
	if c.Query("async") == "true" {
		h.enqueue(c, queue.Job{Kind: queue.KindUser, UserID: userID})
		return
	}
	results, err := h.Checks.CheckUser(c.Request.Context(), userID)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	triggered := 0
	for _, r := range results {
		if r.Outcome == monitor.OutcomeTriggered {
			triggered++
		}
	}
	c.JSON(http.StatusOK, gin.H{"checked": len(results), "triggered": triggered, "results": results})
}

type testRequest struct {
	Message string `json:"message"`
}

func (h *handlers) testChannel(c *gin.Context) {
	var req testRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	if req.Message == "" {
		req.Message = defaultTestMessage
	}

	ctx := c.Request.Context()
	user, err := h.Users.Get(ctx, c.Param("id"))
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	res, err := h.Tester.SendTest(ctx, user, model.ChannelName(c.Param("channel")), req.Message)
	if err != nil {
		abort(c, statusOf(err), err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, res)
}

func (h *handlers) sendPhoneCode(c *gin.Context) {
	if h.Verifier == nil {
		abort(c, http.StatusServiceUnavailable, errors.New("phone verification is not enabled"))
		return
	}
	if err := h.Verifier.SendCode(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type verifyRequest struct {
	Code string `json:"code" binding:"required"`
}

func (h *handlers) verifyPhone(c *gin.Context) {
	if h.Verifier == nil {
		abort(c, http.StatusServiceUnavailable, errors.New("phone verification is not enabled"))
		return
	}
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.Verifier.Verify(c.Request.Context(), c.Param("id"), req.Code); err != nil {
		abort(c, statusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}
