package engine

import (
	"context"
	"errors"
	"time"

	"github.com/pixiserve/pixisync/client/data"
)

// Watch runs a session right away, then again whenever triggers go quiet for debounce, and every
// interval. It returns once ctx is done. Session errors are logged and the loop keeps going.
func (e *Engine) Watch(ctx context.Context, triggers <-chan struct{}, interval, debounce time.Duration) error {
	e.runLogged(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			settle = time.After(debounce)
		case <-settle:
			settle = nil
			e.runLogged(ctx)
		case <-ticker.C:
			e.runLogged(ctx)
		}
	}
}

func (e *Engine) runLogged(ctx context.Context) {
	report, err := e.Run(ctx)
	switch {
	case err == nil:
		e.logger.Infof("Session %s: %d synced, %d failed", report.SessionId, report.Snapshot.Synced, report.Snapshot.Failed)
	case errors.Is(err, data.ErrSessionActive), ctx.Err() != nil:
	default:
		e.logger.WithError(err).Warn("Sync session did not complete")
	}
}
