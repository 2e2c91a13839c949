// Package cron runs scheduled exports and emails the resulting PDFs.
package cron

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/export"
	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/mail"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
	"github.com/maintainer-dashboard/pdf-export/pkg/telemetry"
)

// tickSpec fires at second 0 of every minute
const tickSpec = "0 * * * * *"

// Store is the persistence the scheduler needs
type Store interface {
	GetDueSchedules(now time.Time) ([]*model.Schedule, error)
	UpdateSchedule(schedule *model.Schedule) error
	CreateRun(run *model.Run) error
	UpdateRun(run *model.Run) error
}

// Exporter renders an export request
type Exporter interface {
	Export(ctx context.Context, req *model.ExportRequest) (*export.Result, error)
}

// Mailer delivers rendered documents
type Mailer interface {
	SendReports(recipients model.Recipients, subject, body string, docs []*model.PDFArtifact) error
}

// Config tunes the scheduler
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	// Backoff returns the wait before retry attempt n (n >= 1)
	Backoff func(attempt int) time.Duration
}

// Scheduler checks for due schedules every minute and runs them on a
// bounded worker pool.
type Scheduler struct {
	store      Store
	exporter   Exporter
	mailer     Mailer
	cron       *cron.Cron
	cfg        Config
	workerPool chan struct{}
	baseCtx    context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	now        func() time.Time
	log        *zap.Logger
}

// NewScheduler creates a scheduler; mailer may be nil when SMTP is not
// configured, in which case runs complete without delivery.
func NewScheduler(st Store, exporter Exporter, mailer Mailer, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      st,
		exporter:   exporter,
		mailer:     mailer,
		cron:       cron.New(cron.WithSeconds()),
		cfg:        cfg,
		workerPool: make(chan struct{}, cfg.MaxConcurrent),
		baseCtx:    ctx,
		cancel:     cancel,
		now:        time.Now,
		log:        logger.Named("scheduler"),
	}
}

// Start begins the minute tick
func (s *Scheduler) Start() error {
	entryID, err := s.cron.AddFunc(tickSpec, s.checkDueSchedules)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.cron.Start()
	s.log.Info("Scheduler started", zap.String("spec", tickSpec), zap.Int("entry_id", int(entryID)))
	return nil
}

// Stop halts the tick, cancels in-flight runs and waits for them
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) checkDueSchedules() {
	schedules, err := s.store.GetDueSchedules(s.now())
	if err != nil {
		s.log.Error("Failed to get due schedules", zap.Error(err))
		return
	}
	if len(schedules) == 0 {
		s.log.Debug("No due schedules")
		return
	}

	s.log.Info("Found due schedules", zap.Int("count", len(schedules)))
	for _, schedule := range schedules {
		// Advance next_run_at before executing so the next tick does not
		// pick the same schedule up again.
		next := s.CalculateNextRun(schedule)
		schedule.NextRunAt = &next
		if err := s.store.UpdateSchedule(schedule); err != nil {
			s.log.Error("Failed to update next run time", zap.Int64("schedule_id", schedule.ID), zap.Error(err))
			continue
		}
		s.ExecuteSchedule(schedule)
	}
}

// ExecuteSchedule runs a schedule in the background and returns at once
func (s *Scheduler) ExecuteSchedule(schedule *model.Schedule) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeSchedule(s.baseCtx, schedule)
	}()
}

// executeSchedule runs one schedule to completion and records the run
func (s *Scheduler) executeSchedule(ctx context.Context, schedule *model.Schedule) *model.Run {
	log := s.log.With(zap.Int64("schedule_id", schedule.ID), zap.String("schedule", schedule.Name))

	select {
	case s.workerPool <- struct{}{}:
	case <-ctx.Done():
		log.Warn("Scheduler stopping, run skipped")
		return nil
	}
	defer func() { <-s.workerPool }()

	run := &model.Run{
		ScheduleID: schedule.ID,
		StartedAt:  s.now(),
		Status:     model.RunStatusRunning,
		Mode:       schedule.Target.Mode(),
	}
	if err := s.store.CreateRun(run); err != nil {
		log.Error("Failed to create run record", zap.Error(err))
		return nil
	}

	err := s.executeWithRetry(ctx, schedule, run, log)

	finished := s.now()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = model.RunStatusFailed
		run.ErrorText = err.Error()
		log.Error("Schedule execution failed", zap.Int("attempts", run.Attempts), zap.Error(err))
	} else {
		run.Status = model.RunStatusCompleted
	}
	telemetry.GetMetrics().RecordScheduledRun(context.WithoutCancel(ctx), run.Status)

	if err := s.store.UpdateRun(run); err != nil {
		log.Error("Failed to update run record", zap.Error(err))
	}
	schedule.LastRunAt = &run.StartedAt
	if err := s.store.UpdateSchedule(schedule); err != nil {
		log.Error("Failed to update schedule last run time", zap.Error(err))
	}
	return run
}

// executeWithRetry retries the export with quadratic backoff. Retrying
// is a scheduler policy; interactive exports are never retried.
func (s *Scheduler) executeWithRetry(ctx context.Context, schedule *model.Schedule, run *model.Run, log *zap.Logger) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.Backoff(attempt)
			log.Info("Retrying schedule", zap.Int("attempt", attempt+1), zap.Int("max", s.cfg.MaxRetries), zap.Duration("backoff", backoff))
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("cancelled after %d attempts: %w", attempt, ctx.Err())
			}
		}
		run.Attempts = attempt + 1

		err := s.executeOnce(ctx, schedule, run, log)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Warn("Schedule attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return fmt.Errorf("all %d attempts failed: %w", s.cfg.MaxRetries, lastErr)
}

// executeOnce renders the target and delivers it. Delivery problems are
// recorded on the run but do not fail it.
func (s *Scheduler) executeOnce(ctx context.Context, schedule *model.Schedule, run *model.Run, log *zap.Logger) error {
	target := schedule.Target
	res, err := s.exporter.Export(ctx, &target)
	if err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}

	docs := make([]*model.PDFArtifact, 0, len(res.Documents))
	h := sha256.New()
	var size int64
	for _, d := range res.Documents {
		docs = append(docs, d.Artifact)
		h.Write(d.Artifact.Data)
		size += int64(d.Artifact.Size())
	}
	run.Documents = len(docs)
	run.Bytes = size
	run.Checksum = fmt.Sprintf("%x", h.Sum(nil))
	log.Info("Export rendered", zap.Int("documents", run.Documents), zap.Int64("bytes", size), zap.String("checksum", run.Checksum))

	if s.mailer == nil {
		run.EmailSent = false
		run.EmailError = "SMTP not configured"
		return nil
	}

	vars := map[string]string{
		"schedule.name":  schedule.Name,
		"dashboard.url":  schedule.Target.URL,
		"run.started_at": run.StartedAt.Format(time.RFC1123),
	}
	subject := interpolate(schedule.EmailSubject, vars, "Scheduled export: {{schedule.name}}")
	body := interpolate(schedule.EmailBody, vars, "<p>Attached is the scheduled export of {{dashboard.url}}.</p>")

	if err := s.mailer.SendReports(schedule.Recipients, subject, body, docs); err != nil {
		log.Warn("Failed to send report email", zap.Error(err))
		run.EmailSent = false
		run.EmailError = err.Error()
		return nil
	}
	run.EmailSent = true
	run.EmailError = ""
	return nil
}

// CalculateNextRun returns the next fire time in UTC, truncated to the
// second. Interval types map to default expressions when no cron
// expression is set; an unparseable expression falls back to one hour.
func (s *Scheduler) CalculateNextRun(schedule *model.Schedule) time.Time {
	return calculateNextRun(schedule, s.now(), s.log)
}

func calculateNextRun(schedule *model.Schedule, from time.Time, log *zap.Logger) time.Time {
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		log.Warn("Unknown timezone, using UTC", zap.String("timezone", schedule.Timezone), zap.Int64("schedule_id", schedule.ID))
		loc = time.UTC
	}
	now := from.In(loc)

	spec := schedule.CronExpr
	if spec == "" {
		spec = intervalSpec(schedule.IntervalType)
	}

	expr, err := cronexpr.Parse(spec)
	if err != nil {
		log.Warn("Invalid cron expression, falling back to 1 hour",
			zap.String("cron", spec), zap.Int64("schedule_id", schedule.ID), zap.Error(err))
		return now.Add(time.Hour).UTC().Truncate(time.Second)
	}
	return expr.Next(now).UTC().Truncate(time.Second)
}

func intervalSpec(intervalType string) string {
	switch intervalType {
	case "weekly":
		return "0 0 * * 1"
	case "monthly":
		return "0 0 1 * *"
	default:
		return "0 0 * * *"
	}
}

func interpolate(tpl string, vars map[string]string, fallback string) string {
	if tpl == "" {
		tpl = fallback
	}
	return mail.InterpolateTemplate(tpl, vars)
}
