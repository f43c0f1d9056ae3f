package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// Housekeeping job names.
const (
	JobIdempotencyPurge = "idempotency_purge"
	JobTraceRetention   = "trace_retention"
	JobOutboxRecover    = "outbox_recover"
	JobStaleSessions    = "stale_sessions"
)

// IdempotencyPurger deletes expired idempotency records.
type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// TracePurger deletes execution steps past their flow's retention.
type TracePurger interface {
	PurgeRetention(ctx context.Context, now time.Time) (int64, error)
}

// OutboxRecoverer re-queues outbox rows stuck in PROCESSING.
type OutboxRecoverer interface {
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// StaleSessionLister lists ACTIVE sessions idle since before a time.
type StaleSessionLister interface {
	Stale(ctx context.Context, idleSince time.Time, limit int) ([]*schema.Session, error)
}

// SessionAbandoner ends a session as ABANDONED.
type SessionAbandoner interface {
	AbandonSession(ctx context.Context, token string) (*schema.Session, error)
}

// Housekeeping wires the maintenance jobs. Nil collaborators skip their job.
type Housekeeping struct {
	Idempotency IdempotencyPurger
	Traces      TracePurger
	Outbox      OutboxRecoverer
	Sessions    StaleSessionLister
	Abandoner   SessionAbandoner

	// StuckAfter is how long an outbox row may stay PROCESSING. Default 10m.
	StuckAfter time.Duration
	// IdleAfter abandons ACTIVE sessions idle this long. Zero disables it.
	IdleAfter time.Duration
	// StaleBatch caps abandoned sessions per run. Default 100.
	StaleBatch int
}

// Register adds the configured housekeeping jobs to s.
func (h Housekeeping) Register(s *Scheduler) error {
	if h.StuckAfter <= 0 {
		h.StuckAfter = 10 * time.Minute
	}
	if h.StaleBatch <= 0 {
		h.StaleBatch = 100
	}
	var errs []error
	if h.Idempotency != nil {
		errs = append(errs, s.Add(JobIdempotencyPurge, "*/15 * * * *", h.Idempotency.PurgeExpired))
	}
	if h.Traces != nil {
		errs = append(errs, s.Add(JobTraceRetention, "@daily", h.Traces.PurgeRetention))
	}
	if h.Outbox != nil {
		errs = append(errs, s.Add(JobOutboxRecover, "*/5 * * * *", func(ctx context.Context, _ time.Time) (int64, error) {
			return h.Outbox.RecoverStuck(ctx, h.StuckAfter)
		}))
	}
	if h.Sessions != nil && h.Abandoner != nil && h.IdleAfter > 0 {
		errs = append(errs, s.Add(JobStaleSessions, "@hourly", func(ctx context.Context, now time.Time) (int64, error) {
			return h.abandonStale(ctx, now, s.logger)
		}))
	}
	return errors.Join(errs...)
}

func (h Housekeeping) abandonStale(ctx context.Context, now time.Time, logger *slog.Logger) (int64, error) {
	stale, err := h.Sessions.Stale(ctx, now.Add(-h.IdleAfter), h.StaleBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	var n int64
	for _, sess := range stale {
		if _, err := h.Abandoner.AbandonSession(ctx, sess.Token); err != nil {
			// A session that moved on or ended meanwhile is not stale any more.
			if schema.IsConcurrencyConflict(err) || schema.HasCode(err, schema.ErrCodeSessionInactive) {
				continue
			}
			logger.WarnContext(ctx, "stale session not abandoned",
				slog.String("session_id", sess.ID), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n, nil
}
