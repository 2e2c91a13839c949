package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/maintainer-dashboard/pdf-export/pkg/errors"
	"github.com/maintainer-dashboard/pdf-export/pkg/mail"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
	"github.com/maintainer-dashboard/pdf-export/pkg/store"
)

func (h *Handler) listSchedules(c *gin.Context) {
	schedules, err := h.store.ListSchedules()
	if err != nil {
		_ = c.Error(storeError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (h *Handler) createSchedule(c *gin.Context) {
	var schedule model.Schedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		_ = c.Error(apperrors.ErrValidation(err.Error()))
		return
	}
	if err := model.ValidateSchedule(&schedule, h.opts.AllowedDomains); err != nil {
		_ = c.Error(apperrors.ErrValidation(err.Error()))
		return
	}

	schedule.ID = 0
	schedule.LastRunAt = nil
	h.setNextRun(&schedule)

	if err := h.store.CreateSchedule(&schedule); err != nil {
		_ = c.Error(storeError(err))
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (h *Handler) getSchedule(c *gin.Context) {
	schedule, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *Handler) updateSchedule(c *gin.Context) {
	existing, ok := h.loadSchedule(c)
	if !ok {
		return
	}

	var schedule model.Schedule
	if err := c.ShouldBindJSON(&schedule); err != nil {
		_ = c.Error(apperrors.ErrValidation(err.Error()))
		return
	}
	if err := model.ValidateSchedule(&schedule, h.opts.AllowedDomains); err != nil {
		_ = c.Error(apperrors.ErrValidation(err.Error()))
		return
	}

	schedule.ID = existing.ID
	schedule.LastRunAt = existing.LastRunAt
	schedule.CreatedAt = existing.CreatedAt
	h.setNextRun(&schedule)

	if err := h.store.UpdateSchedule(&schedule); err != nil {
		_ = c.Error(storeError(err))
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *Handler) deleteSchedule(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteSchedule(id); err != nil {
		_ = c.Error(storeError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// runSchedule starts a run outside the timetable and returns at once
func (h *Handler) runSchedule(c *gin.Context) {
	schedule, ok := h.loadSchedule(c)
	if !ok {
		return
	}
	h.scheduler.ExecuteSchedule(schedule)
	h.log.Info("Manual run started", zap.Int64("schedule_id", schedule.ID))
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (h *Handler) listRuns(c *gin.Context) {
	id, ok := scheduleID(c)
	if !ok {
		return
	}
	runs, err := h.store.ListRuns(id)
	if err != nil {
		_ = c.Error(storeError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleSMTPTest handles POST /api/smtp/test
func (h *Handler) handleSMTPTest(c *gin.Context) {
	var cfg mail.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		_ = c.Error(apperrors.ErrValidation(err.Error()))
		return
	}

	switch {
	case cfg.Host == "":
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "SMTP host is required"})
		return
	case cfg.Port == 0:
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "SMTP port is required"})
		return
	case cfg.From == "":
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "From address is required"})
		return
	}

	if err := h.smtpTest(cfg); err != nil {
		h.log.Warn("SMTP connection test failed", zap.String("host", cfg.Host), zap.Int("port", cfg.Port), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "SMTP connection successful"})
}

func (h *Handler) setNextRun(schedule *model.Schedule) {
	if !schedule.Enabled {
		schedule.NextRunAt = nil
		return
	}
	next := h.scheduler.CalculateNextRun(schedule)
	schedule.NextRunAt = &next
}

func (h *Handler) loadSchedule(c *gin.Context) (*model.Schedule, bool) {
	id, ok := scheduleID(c)
	if !ok {
		return nil, false
	}
	schedule, err := h.store.GetSchedule(id)
	if err != nil {
		_ = c.Error(storeError(err))
		return nil, false
	}
	return schedule, true
}

func scheduleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(apperrors.ErrValidation("invalid schedule id"))
		return 0, false
	}
	return id, true
}

func storeError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.Wrap(apperrors.ErrCodeScheduleNotFound, "schedule not found", err)
	}
	return apperrors.Wrap(apperrors.ErrCodeStore, "store operation failed", err)
}
