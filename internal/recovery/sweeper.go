package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/taskloom/internal/bus"
	"github.com/nextlevelbuilder/taskloom/internal/retry"
	"github.com/nextlevelbuilder/taskloom/internal/store"
	"github.com/nextlevelbuilder/taskloom/pkg/protocol"
)

// Enqueuer hands a recovered turn back to its session for re-delivery
// after the given delay. Implemented by the session manager.
type Enqueuer interface {
	EnqueueRecovery(ctx context.Context, sessionID string, p Payload, delay time.Duration) error
}

type SweeperConfig struct {
	Turns  store.TurnStore
	Enq    Enqueuer
	Events bus.EventPublisher

	Schedule         string        // cron expression, default "* * * * *"
	HeartbeatTimeout time.Duration // default 60s
	MaxAttempts      int           // default 3
	BaseBackoff      time.Duration // default 2s
	MaxBackoff       time.Duration // default 60s
}

// Sweeper periodically scans streaming turn records and applies the
// recovery decision to every orphan it finds.
type Sweeper struct {
	turns  store.TurnStore
	enq    Enqueuer
	events bus.EventPublisher
	cron   *gronx.Gronx

	schedule    string
	timeout     time.Duration
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = retry.DefaultBase
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = retry.DefaultCap
	}
	g := gronx.New()
	if !g.IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid recovery schedule %q", cfg.Schedule)
	}
	return &Sweeper{
		turns:       cfg.Turns,
		enq:         cfg.Enq,
		events:      cfg.Events,
		cron:        g,
		schedule:    cfg.Schedule,
		timeout:     cfg.HeartbeatTimeout,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
	}, nil
}

// Run sweeps once immediately, then on the cron schedule until the
// context ends. The immediate pass settles turns orphaned by a previous
// process without waiting out the first tick.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("recovery sweeper starting", "schedule", s.schedule, "heartbeat_timeout", s.timeout)
	s.sweepOnce(ctx)
	for {
		next, err := gronx.NextTickAfter(s.schedule, time.Now(), false)
		if err != nil {
			return fmt.Errorf("recovery schedule: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		s.sweepOnce(ctx)
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	if n, err := s.Sweep(ctx); err != nil {
		slog.Warn("recovery sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("recovery sweep", "orphans", n)
	}
}

// Sweep runs one scan and returns how many orphans it handled. Failures
// on individual records are logged and skipped so one bad row cannot
// stall the rest.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	recs, err := s.turns.ListStreaming(ctx)
	if err != nil {
		return 0, fmt.Errorf("list streaming turns: %w", err)
	}

	orphans := FindOrphaned(recs, time.Now(), s.timeout)
	for _, rec := range orphans {
		s.handle(ctx, rec)
	}
	return len(orphans), nil
}

func (s *Sweeper) handle(ctx context.Context, rec store.TurnRecord) {
	action := Decide(rec, s.maxAttempts)
	slog.Info("orphaned turn",
		"turn", rec.ID, "session", rec.SessionID,
		"attempt", rec.Attempt, "action", action)

	switch action {
	case ActionFail:
		if err := s.turns.SetTurnStatus(ctx, rec.ID, store.TurnError); err != nil {
			slog.Warn("mark turn error failed", "turn", rec.ID, "error", err)
			return
		}
		s.emit(protocol.RecoveryEventFailed, rec, "")

	case ActionRetry, ActionResume:
		if err := s.turns.IncrementAttempt(ctx, rec.ID); err != nil {
			slog.Warn("increment attempt failed", "turn", rec.ID, "error", err)
			return
		}
		payload := BuildPayload(rec, "orphaned")
		delay := retry.BackoffWith(rec.Attempt, s.baseBackoff, s.maxBackoff)
		if err := s.enq.EnqueueRecovery(ctx, rec.SessionID, payload, delay); err != nil {
			slog.Warn("re-enqueue failed", "turn", rec.ID, "error", err)
			return
		}
		subtype := protocol.RecoveryEventRetried
		if action == ActionResume {
			subtype = protocol.RecoveryEventResumed
		}
		s.emit(subtype, rec, delay.String())
	}
}

func (s *Sweeper) emit(subtype string, rec store.TurnRecord, delay string) {
	if s.events == nil {
		return
	}
	payload := map[string]interface{}{
		"type":      subtype,
		"messageId": rec.ID,
		"attempt":   rec.Attempt,
	}
	if delay != "" {
		payload["delay"] = delay
	}
	s.events.Broadcast(bus.Event{
		Name:      protocol.EventRecovery,
		SessionID: rec.SessionID,
		Payload:   payload,
	})
}
