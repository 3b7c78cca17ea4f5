package pgguard

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReconnectAttempt describes one pass of the reconnection loop.
type ReconnectAttempt struct {
	Number     int
	Delay      time.Duration
	BackendPID uint32
	Err        error
}

func (a ReconnectAttempt) details(maxAttempts int) map[string]any {
	return map[string]any{
		"attempt":      a.Number,
		"max_attempts": maxAttempts,
		"delay_ms":     a.Delay.Milliseconds(),
	}
}

// reconnect rebuilds the pool with capped exponential backoff. It is only
// started by the caller that set the reconnecting flag, and always clears
// the flag before returning.
func (s *Supervisor) reconnect(ctx context.Context, episode string) {
	rc := s.cfg.Reconnect

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "pgguard.reconnect",
			trace.WithAttributes(
				attribute.String("pgguard.episode_id", episode),
				attribute.Int("pgguard.max_attempts", rc.MaxAttempts),
			))
		defer span.End()
	}

	for n := 1; n <= rc.MaxAttempts; n++ {
		attempt := ReconnectAttempt{
			Number: n,
			Delay:  backoffDelay(n, rc.BaseDelay, rc.CapDelay, s.jitter),
		}
		s.retryAfter.Store(int64(attempt.Delay))

		s.audit.Emit(ctx, AuditEvent{
			Type:      EventReconnectAttempt,
			EpisodeID: episode,
			Details:   attempt.details(rc.MaxAttempts),
		})

		if err := s.sleep(ctx, attempt.Delay); err != nil {
			s.stopReconnecting()
			if span != nil {
				span.SetStatus(codes.Error, "canceled")
			}
			return
		}

		h, pid, err := s.newObservedPool(ctx)
		if err != nil {
			attempt.Err = err
			s.metrics.attempt("failure")
			s.audit.Emit(ctx, AuditEvent{
				Type:      EventReconnectFailed,
				EpisodeID: episode,
				Details:   attempt.details(rc.MaxAttempts),
			}.WithError(err))
			if ctx.Err() != nil {
				s.stopReconnecting()
				return
			}
			continue
		}
		attempt.BackendPID = pid

		if s.closed.Load() {
			h.Drain()
			s.stopReconnecting()
			return
		}

		s.handle.Store(h)
		s.degraded.Store(false)
		s.since.Store(0)
		s.metrics.setDegraded(false)
		s.metrics.attempt("success")
		s.stopReconnecting()

		details := attempt.details(rc.MaxAttempts)
		details["attempts"] = n
		details["generation"] = h.Generation()
		s.audit.Emit(ctx, AuditEvent{
			Type:       EventReconnectSucceeded,
			EpisodeID:  episode,
			BackendPID: pid,
			Details:    details,
		})
		if span != nil {
			span.SetAttributes(attribute.Int("pgguard.attempts", n))
			span.SetStatus(codes.Ok, "")
		}

		// A failure reported while this run still held the reconnecting
		// flag found no winner; replay it now that the flag is clear.
		if err := h.Failure(); err != nil {
			s.observe(h, err, 0)
		}
		return
	}

	s.retryAfter.Store(int64(rc.CapDelay))
	s.stopReconnecting()
	s.metrics.attempt("exhausted")
	s.audit.Emit(ctx, AuditEvent{
		Type:      EventReconnectExhausted,
		EpisodeID: episode,
		Details:   map[string]any{"max_attempts": rc.MaxAttempts},
	})
	if span != nil {
		span.SetStatus(codes.Error, "reconnect attempts exhausted")
	}
}

func (s *Supervisor) stopReconnecting() {
	s.reconnecting.Store(false)
	s.metrics.setReconnecting(false)
}
