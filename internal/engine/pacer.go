package engine

import (
	"context"
	"time"

	"pharmagent/internal/config"
)

// Pacer schedules the visual delays of a run. Wait returns early with the
// context error when ctx is cancelled.
type Pacer interface {
	Wait(ctx context.Context, d time.Duration) error
}

// TimerPacer waits on real timers.
type TimerPacer struct{}

func (TimerPacer) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delays are the pauses between run steps.
type Delays struct {
	Ack       time.Duration
	Stage     time.Duration
	Settle    time.Duration
	Synthesis time.Duration
}

func DelaysFromConfig(p config.Pacing) Delays {
	return Delays{
		Ack:       p.AckDelay,
		Stage:     p.StageDelay,
		Settle:    p.SettleDelay,
		Synthesis: p.SynthesisDelay,
	}
}
