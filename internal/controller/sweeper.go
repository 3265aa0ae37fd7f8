package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/deskforge/deskd/internal/models"
	"github.com/deskforge/deskd/internal/storage"
)

// sweep periodically reclaims expired desktops and reaps terminal records
// past the retention window. Expiry is expressed as an ordinary desired-
// state write, so the teardown path is identical to an owner-requested
// terminate.
func (c *Controller) sweep(ctx context.Context) {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Controller) sweepOnce(ctx context.Context) {
	all, err := c.store.List(ctx, storage.Filter{})
	if err != nil {
		c.logger.Error("sweep list failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()

	for _, d := range all {
		switch {
		case d.Phase.Terminal():
			if c.cfg.Retention > 0 && now.Sub(d.UpdatedAt) >= c.cfg.Retention {
				// A failed resource can still hold a sandbox (teardown
				// retries exhausted). Reap only once the substrate is
				// clean; a failure here retries on the next sweep.
				if d.Handle != "" {
					if err := c.drv.Delete(ctx, d.Handle); err != nil {
						c.logger.Warn("substrate cleanup before reap failed",
							zap.String("desktop", d.ID), zap.Error(err))
						continue
					}
				}
				if err := c.store.Delete(ctx, d.ID); err != nil {
					c.logger.Error("reap failed", zap.String("desktop", d.ID), zap.Error(err))
				} else {
					c.logger.Info("reaped terminal record", zap.String("desktop", d.ID))
				}
			}

		case d.Desired == models.DesiredPresent && d.Expired(now):
			next := d.Clone()
			next.Desired = models.DesiredAbsent
			next.Generation = d.Generation + 1
			err := c.store.Put(ctx, next)
			if err != nil && !errors.Is(err, storage.ErrStaleGeneration) {
				c.logger.Error("expiry write failed", zap.String("desktop", d.ID), zap.Error(err))
				continue
			}
			if err == nil {
				c.logger.Info("desktop expired",
					zap.String("desktop", d.ID),
					zap.Time("expires_at", d.ExpiresAt))
			}
		}
	}
}
