package matching

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor runs scheduled matching passes. A pass can also be triggered
// through the internal API; the pair locks inside the engine keep the two
// from interleaving on the same pair.
type Processor struct {
	engine   *Engine
	interval time.Duration
}

// NewProcessor creates a matching processor ticking at the given interval.
func NewProcessor(engine *Engine, interval time.Duration) *Processor {
	return &Processor{
		engine:   engine,
		interval: interval,
	}
}

// Start begins the matching loop. It stops when ctx is cancelled;
// an in-flight pass finishes its current transaction first.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "matching_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting matching processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down matching processor")
			return
		case <-ticker.C:
			report, err := p.engine.RunPass(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("matching pass failed")
				continue
			}
			logger.Info().
				Int("orders_considered", report.OrdersConsidered).
				Int("trades_produced", report.TradesProduced).
				Int("pair_failures", len(report.PairFailures)).
				Msg("matching pass complete")
		}
	}
}
