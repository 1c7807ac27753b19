package service

import (
	"log/slog"
	"sync"

	"github.com/aegisgate/aegisgate/internal/domain/decision"
)

// ContextCollector runs a registered chain of enrichers concurrently over a
// DecisionContext and merges their contributions. An enricher that errors
// is logged and skipped; its absence never blocks the others or the
// decision that follows. Enrichers are registered explicitly at startup;
// registration order is not part of the contract.
type ContextCollector struct {
	enrichers []decision.Enricher
	logger    *slog.Logger
}

// NewContextCollector creates a collector with the given enrichers already
// registered. Additional enrichers may be added later with Register.
func NewContextCollector(logger *slog.Logger, enrichers ...decision.Enricher) *ContextCollector {
	return &ContextCollector{
		enrichers: append([]decision.Enricher(nil), enrichers...),
		logger:    logger,
	}
}

// Register adds an enricher to the chain. Not safe to call concurrently
// with Collect; intended for startup wiring only.
func (c *ContextCollector) Register(e decision.Enricher) {
	c.enrichers = append(c.enrichers, e)
}

// Collect runs every registered enricher against ctx concurrently and
// merges their contributions into ctx's environment. It never returns an
// error: a failing enricher is logged and its contribution is simply
// absent.
func (c *ContextCollector) Collect(ctx *decision.Context) {
	var wg sync.WaitGroup
	for _, e := range c.enrichers {
		wg.Add(1)
		go func(e decision.Enricher) {
			defer wg.Done()
			data, err := e.Enrich(ctx)
			if err != nil {
				c.logger.Warn("enricher failed, skipping", "enricher", e.Name(), "error", err)
				return
			}
			ctx.SetEnrichment(e.Name(), data)
		}(e)
	}
	wg.Wait()
}
