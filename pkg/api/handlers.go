// Package api exposes the export pipeline and schedule management over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/grafana/grafana-plugin-sdk-go/backend"
	"github.com/grafana/grafana-plugin-sdk-go/backend/resource/httpadapter"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	apperrors "github.com/maintainer-dashboard/pdf-export/pkg/errors"
	"github.com/maintainer-dashboard/pdf-export/pkg/export"
	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/mail"
	"github.com/maintainer-dashboard/pdf-export/pkg/middleware"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
	"github.com/maintainer-dashboard/pdf-export/pkg/raster"
	"github.com/maintainer-dashboard/pdf-export/pkg/render"
)

// InlineFilename names documents served by GET /api/export-pdf
const InlineFilename = "dashboard-export"

// TabCountHeader reports how many tab documents a request produced when
// only the first one is returned
const TabCountHeader = "X-Export-Tab-Count"

// Exporter renders validated export requests
type Exporter interface {
	Export(ctx context.Context, req *model.ExportRequest) (*export.Result, error)
	Rasterize(ctx context.Context, req *model.ExportRequest) (*export.Result, error)
}

// ScheduleStore persists schedules and run history
type ScheduleStore interface {
	ListSchedules() ([]*model.Schedule, error)
	GetSchedule(id int64) (*model.Schedule, error)
	CreateSchedule(schedule *model.Schedule) error
	UpdateSchedule(schedule *model.Schedule) error
	DeleteSchedule(id int64) error
	ListRuns(scheduleID int64) ([]*model.Run, error)
}

// Scheduler computes fire times and starts manual runs
type Scheduler interface {
	CalculateNextRun(schedule *model.Schedule) time.Time
	ExecuteSchedule(schedule *model.Schedule)
}

// Options configures the handler and its middleware chain
type Options struct {
	// Production hides error stacks from clients
	Production     bool
	Debug          bool
	AccessLog      bool
	CORSOrigins    []string
	ServiceName    string
	Limits         model.RequestLimits
	AllowedDomains []string
}

// Handler handles HTTP API requests
type Handler struct {
	exporter  Exporter
	store     ScheduleStore
	scheduler Scheduler
	smtpTest  func(mail.Config) error
	opts      Options
	engine    *gin.Engine
	log       *zap.Logger
}

// NewHandler creates a handler and its gin engine. store and scheduler may
// be nil, in which case the schedule routes are not registered.
func NewHandler(exporter Exporter, st ScheduleStore, scheduler Scheduler, opts Options) *Handler {
	if opts.ServiceName == "" {
		opts.ServiceName = "pdf-export"
	}
	h := &Handler{
		exporter:  exporter,
		store:     st,
		scheduler: scheduler,
		smtpTest:  mail.TestConnection,
		opts:      opts,
		log:       logger.Named("api"),
	}

	h.engine = gin.New()
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	r := h.engine
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(&middleware.LoggerConfig{AccessLog: h.opts.AccessLog}))
	r.Use(middleware.CORS(h.opts.CORSOrigins))
	r.Use(middleware.ErrorHandler(h.opts.Debug))
	r.Use(otelgin.Middleware(h.opts.ServiceName))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.POST("/export-pdf", h.handleExport)
	api.GET("/export-pdf", h.handleExportInline)
	api.POST("/export-pdf/raster", h.handleRaster)
	api.POST("/smtp/test", h.handleSMTPTest)

	if h.store != nil && h.scheduler != nil {
		schedules := api.Group("/schedules")
		schedules.GET("", h.listSchedules)
		schedules.POST("", h.createSchedule)
		schedules.GET("/:id", h.getSchedule)
		schedules.PUT("/:id", h.updateSchedule)
		schedules.DELETE("/:id", h.deleteSchedule)
		schedules.POST("/:id/run", h.runSchedule)
		schedules.GET("/:id/runs", h.listRuns)
	}
}

// ServeHTTP lets the handler be mounted on a plain http.Server
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

// CallResource implements backend.CallResourceHandler so the same routes
// serve resource calls when running as a Grafana app plugin backend.
func (h *Handler) CallResource(ctx context.Context, req *backend.CallResourceRequest, sender backend.CallResourceResponseSender) error {
	return httpadapter.New(h.engine).CallResource(ctx, req, sender)
}

// handleExport handles POST /api/export-pdf
func (h *Handler) handleExport(c *gin.Context) {
	var req model.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondInvalid(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := model.ValidateExportRequest(&req, h.opts.Limits); err != nil {
		h.respondInvalid(c, err)
		return
	}

	res, err := h.exporter.Export(c.Request.Context(), &req)
	if err != nil {
		h.respondExportError(c, &req, err)
		return
	}
	h.writeResult(c, &req, res, "attachment")
}

// handleExportInline handles GET /api/export-pdf?url=
func (h *Handler) handleExportInline(c *gin.Context) {
	req := model.ExportRequest{URL: c.Query("url"), Filename: InlineFilename}
	if req.URL == "" {
		h.respondInvalid(c, fmt.Errorf("url query parameter is required"))
		return
	}
	if err := model.ValidateExportRequest(&req, h.opts.Limits); err != nil {
		h.respondInvalid(c, err)
		return
	}

	res, err := h.exporter.Export(c.Request.Context(), &req)
	if err != nil {
		h.respondExportError(c, &req, err)
		return
	}
	h.writeResult(c, &req, res, "inline")
}

// handleRaster handles POST /api/export-pdf/raster
func (h *Handler) handleRaster(c *gin.Context) {
	var req model.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondInvalid(c, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := model.ValidateExportRequest(&req, h.opts.Limits); err != nil {
		h.respondInvalid(c, err)
		return
	}
	if len(req.Tabs) > 0 {
		h.respondInvalid(c, fmt.Errorf("tabs are not supported by the raster export"))
		return
	}

	res, err := h.exporter.Rasterize(c.Request.Context(), &req)
	if err != nil {
		h.respondExportError(c, &req, err)
		return
	}
	h.writeResult(c, &req, res, "attachment")
}

func (h *Handler) writeResult(c *gin.Context, req *model.ExportRequest, res *export.Result, disposition string) {
	doc := res.First()
	if doc.Size() == 0 {
		h.respondExportError(c, req, render.ErrEmptyPDF)
		return
	}

	if n := len(res.Documents); req.Mode() == model.ModeTabs {
		c.Header(TabCountHeader, strconv.Itoa(n))
		if n > 1 {
			h.log.Warn("tab export returns only the first document",
				zap.String("request_id", c.GetString(middleware.RequestIDKey)),
				zap.Int("documents", n),
				zap.String("returned", doc.Filename),
			)
		}
	}

	c.Header("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, doc.Filename))
	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Length", strconv.Itoa(doc.Size()))
	c.Data(http.StatusOK, "application/pdf", doc.Data)
}

func (h *Handler) respondInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    apperrors.ErrCodeValidation,
		"error":   "Invalid export request",
		"details": err.Error(),
	})
}

// respondExportError writes the failure body. The stack is only returned
// outside production.
func (h *Handler) respondExportError(c *gin.Context, req *model.ExportRequest, err error) {
	code := exportErrorCode(err)
	status := apperrors.New(code, "").HTTPStatus()

	h.log.Error("PDF generation failed",
		zap.String("request_id", c.GetString(middleware.RequestIDKey)),
		zap.String("url", req.URL),
		zap.String("mode", string(req.Mode())),
		zap.String("code", string(code)),
		zap.Error(err),
	)
	_ = c.Error(err)

	body := gin.H{
		"code":    code,
		"error":   "Failed to generate PDF",
		"details": err.Error(),
	}
	if !h.opts.Production {
		body["stack"] = fmt.Sprintf("%+v", err)
	}
	c.JSON(status, body)
}

// exportErrorCode maps pipeline failures onto application error codes
func exportErrorCode(err error) apperrors.ErrorCode {
	switch {
	case errors.Is(err, raster.ErrUnavailable):
		return apperrors.ErrCodeRasterUnavailable
	case errors.Is(err, render.ErrLaunch):
		return apperrors.ErrCodeLaunch
	case errors.Is(err, render.ErrNavigation):
		return apperrors.ErrCodeNavigation
	case errors.Is(err, render.ErrNoSectionsMatched):
		return apperrors.ErrCodeNoSections
	case errors.Is(err, render.ErrEmptyPDF), errors.Is(err, raster.ErrNothingCaptured):
		return apperrors.ErrCodeEmptyResult
	case errors.Is(err, render.ErrCapture):
		return apperrors.ErrCodeCapture
	default:
		return apperrors.ErrCodeInternal
	}
}
