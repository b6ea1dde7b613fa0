// Package cues speaks short filler phrases while a reply is being produced,
// so callers are not left in silence.
package cues

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAcknowledgement = "One moment."
	DefaultProgress        = "Still working on that, thanks for waiting."
	DefaultProgressDelay   = 6 * time.Second
)

// Config is the user-facing cue configuration. A nil text selects the
// default; an empty or whitespace text disables that cue.
type Config struct {
	Enabled         bool
	Acknowledgement *string
	Progress        *string
	ProgressDelay   time.Duration
}

// Plan is a resolved Config. Empty texts mean the cue is off.
type Plan struct {
	Enabled         bool
	Acknowledgement string
	Progress        string
	ProgressDelay   time.Duration
}

// ResolvePlan applies defaults to cfg.
func ResolvePlan(cfg Config) Plan {
	plan := Plan{
		Enabled:         cfg.Enabled,
		Acknowledgement: resolveText(cfg.Acknowledgement, DefaultAcknowledgement),
		Progress:        resolveText(cfg.Progress, DefaultProgress),
		ProgressDelay:   cfg.ProgressDelay,
	}
	if plan.ProgressDelay <= 0 {
		plan.ProgressDelay = DefaultProgressDelay
	}
	return plan
}

func resolveText(text *string, def string) string {
	if text == nil {
		return def
	}
	return strings.TrimSpace(*text)
}

// Kind names a cue.
type Kind string

const (
	KindAcknowledgement Kind = "acknowledgement"
	KindProgress        Kind = "progress"
)

// SpeakFunc plays a cue. It is expected to drop the cue itself when the
// response it belongs to has been superseded.
type SpeakFunc func(ctx context.Context, kind Kind, text string) error

// Controller runs the cues for a single response. After Settle no further
// cue is spoken.
type Controller struct {
	plan   Plan
	speak  SpeakFunc
	logger *slog.Logger

	mu           sync.Mutex
	settled      bool
	ackDone      bool
	progressDone bool
	timer        *time.Timer
}

// NewController creates a controller for one response.
func NewController(plan Plan, speak SpeakFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{plan: plan, speak: speak, logger: logger}
}

// MaybeSpeakAcknowledgement speaks the acknowledgement at most once.
func (c *Controller) MaybeSpeakAcknowledgement(ctx context.Context) error {
	c.mu.Lock()
	if c.settled || c.ackDone || !c.plan.Enabled || c.plan.Acknowledgement == "" {
		c.mu.Unlock()
		return nil
	}
	c.ackDone = true
	c.mu.Unlock()

	return c.speak(ctx, KindAcknowledgement, c.plan.Acknowledgement)
}

// ScheduleProgressCue arms the one-shot progress timer. Arming twice is a no-op.
func (c *Controller) ScheduleProgressCue(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled || c.timer != nil || c.progressDone || !c.plan.Enabled || c.plan.Progress == "" {
		return
	}
	c.timer = time.AfterFunc(c.plan.ProgressDelay, func() {
		c.mu.Lock()
		if c.settled {
			c.mu.Unlock()
			return
		}
		c.progressDone = true
		c.timer = nil
		c.mu.Unlock()

		if err := c.speak(ctx, KindProgress, c.plan.Progress); err != nil {
			c.logger.Warn("progress cue failed", "error", err)
		}
	})
}

// Settle cancels any pending cue. It is safe to call more than once.
func (c *Controller) Settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
