package render

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

// ScrollConfig tunes the incremental scroll
type ScrollConfig struct {
	Step        int
	Delay       time.Duration
	MaxSteps    int
	RecheckWait time.Duration
	SettleDelay time.Duration
}

// Scroller walks the page from top to bottom so lazily rendered content
// mounts, then returns to the top.
type Scroller struct {
	cfg ScrollConfig
	log *zap.Logger
}

// NewScroller returns a scroller with defaults filled in
func NewScroller(cfg ScrollConfig) *Scroller {
	if cfg.Step <= 0 {
		cfg.Step = 100
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 100 * time.Millisecond
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 100
	}
	if cfg.RecheckWait <= 0 {
		cfg.RecheckWait = 500 * time.Millisecond
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Scroller{cfg: cfg, log: logger.Named("scroller")}
}

type scrollMetrics struct {
	Y        float64 `json:"y"`
	Viewport float64 `json:"viewport"`
	Height   float64 `json:"height"`
}

// ScrollResult summarises a scroll pass
type ScrollResult struct {
	Steps       int
	FinalHeight float64
}

// Scroll starts from the top of the page whatever the current position
// is. It never fails on page errors; only ctx cancellation is returned.
// The step count is bounded so an infinitely growing page terminates.
func (s *Scroller) Scroll(ctx context.Context, doc Evaluator) (ScrollResult, error) {
	var res ScrollResult
	step, _ := callJS(scrollByJS, s.cfg.Step)

	if _, err := doc.Eval(ctx, scrollTopJS); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.log.Debug("scroll to top failed", zap.Error(err))
	}
	if err := sleep(ctx, s.cfg.Delay); err != nil {
		return res, err
	}

	for res.Steps < s.cfg.MaxSteps {
		m, err := s.metrics(ctx, doc)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.log.Debug("scroll metrics unavailable", zap.Error(err))
			break
		}
		res.FinalHeight = m.Height

		if m.Y+m.Viewport >= m.Height {
			if err := sleep(ctx, s.cfg.RecheckWait); err != nil {
				return res, err
			}
			again, err := s.metrics(ctx, doc)
			if err != nil || again.Height <= m.Height {
				break
			}
			res.FinalHeight = again.Height
		}

		if _, err := doc.Eval(ctx, step); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			s.log.Debug("scroll step failed", zap.Error(err))
			break
		}
		res.Steps++
		if err := sleep(ctx, s.cfg.Delay); err != nil {
			return res, err
		}
	}

	if res.Steps >= s.cfg.MaxSteps {
		s.log.Warn("scroll step limit reached", zap.Int("steps", res.Steps), zap.Float64("height", res.FinalHeight))
	}

	if _, err := doc.Eval(ctx, scrollTopJS); err != nil && ctx.Err() == nil {
		s.log.Debug("scroll to top failed", zap.Error(err))
	}
	if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Scroller) metrics(ctx context.Context, doc Evaluator) (scrollMetrics, error) {
	var m scrollMetrics
	raw, err := doc.Eval(ctx, scrollMetricsJS)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(raw, &m)
	return m, err
}
