package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/proctorlive/internal/handoff"
	"github.com/MrWong99/proctorlive/internal/session"
)

// Sink is a result sink guarded by a [Breaker].
type Sink struct {
	next    handoff.Sink
	breaker *Breaker
}

var _ handoff.Sink = (*Sink)(nil)

// GuardSink wraps next with a breaker configured by cfg. cfg.Name defaults
// to the sink's name.
func GuardSink(named handoff.Named, cfg BreakerConfig) handoff.Named {
	if cfg.Name == "" {
		cfg.Name = named.Name
	}
	return handoff.Named{
		Name: named.Name,
		Sink: &Sink{next: named.Sink, breaker: NewBreaker(cfg)},
	}
}

// Deliver implements [handoff.Sink].
func (s *Sink) Deliver(ctx context.Context, r session.Result) error {
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.next.Deliver(ctx, r)
	})
	if errors.Is(err, ErrOpen) {
		return fmt.Errorf("result %s not delivered: %w", r.SessionID, err)
	}
	return err
}

// Breaker returns the breaker guarding the sink.
func (s *Sink) Breaker() *Breaker { return s.breaker }
