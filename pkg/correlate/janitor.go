// Copyright 2024-2026 Aiku AI

package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSweepInterval = 5 * time.Minute

// RunJanitor sweeps expired correlations every interval until ctx is done.
func (c *Correlator) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	sched := cron.New()
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if evicted := c.Sweep(c.now()); evicted > 0 {
			c.log.Debug().Int("evicted", evicted).Int("retained", c.Len()).Msg("Swept expired correlations")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule correlation sweep: %w", err)
	}

	sched.Start()
	c.log.Debug().Dur("interval", interval).Msg("Correlation janitor started")
	<-ctx.Done()

	stopCtx := sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(archiveTimeout):
		c.log.Warn().Msg("Timed out waiting for correlation sweep to finish")
	}
	return nil
}
