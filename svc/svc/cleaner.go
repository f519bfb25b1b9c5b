package svc

import (
	"context"
	"pastabin/metrics"
	"pastabin/svc/cache"
	"pastabin/svc/util"
	"time"
)

// StartCleaner sweeps p every interval until ctx ends, so expired records go
// even when nobody touches the cache.
func StartCleaner(ctx context.Context, p *cache.Pastas, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go runCleaner(ctx, p, interval, done)
	return done
}
func runCleaner(ctx context.Context, p *cache.Pastas, interval time.Duration, done chan struct{}) {
	defer close(done)
	requestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, requestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", requestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", requestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			metrics.PruneCycles.Inc()
			if n := p.Sweep(ctx); n > 0 {
				util.Info().
					Int("deleted", n).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
