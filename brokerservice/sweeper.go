package brokerservice

import (
	"context"
	"errors"
	"time"

	"github.com/contenox/dsmq/libroutine"
)

// sweep purges rows older than TTL every SweepInterval, so an idle broker
// still evicts. While s.sweeper is open the loop only reports ErrCircuitOpen.
func (s *Server) sweep(ctx context.Context) {
	s.sweeper.Loop(ctx, s.cfg.SweepInterval, func(ctx context.Context) error {
		n, err := s.store.Purge(ctx, time.Now().Add(-s.cfg.TTL))
		if err != nil {
			return err
		}
		s.metrics.Purged.Add(float64(n))
		return nil
	}, func(err error) {
		if ctx.Err() == nil && !errors.Is(err, libroutine.ErrCircuitOpen) {
			s.logger.Warn("background purge failed", "error", err)
		}
	})
}
