package redisq

import (
	"context"
	"time"

	"fetchq/internal/downloader"
	"fetchq/internal/ports"

	"github.com/rs/zerolog/log"
)

var _ ports.Reporter = (*Reporter)(nil)

// StatsFunc reads the current engine counters.
type StatsFunc func(ctx context.Context) (downloader.Stats, error)

// Reporter copies engine counters into a hash on every tick.
type Reporter struct {
	C        *Client
	Interval time.Duration
	Stats    StatsFunc
	Instance string
}

func NewReporter(c *Client, interval time.Duration, stats StatsFunc, instance string) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{C: c, Interval: interval, Stats: stats, Instance: instance}
}

func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		if err := r.publish(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Ctx(ctx).Warn().Err(err).Msg("failed to publish stats")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reporter) publish(ctx context.Context) error {
	st, err := r.Stats(ctx)
	if err != nil {
		return err
	}
	key := r.C.Cfg.StatsKey + ":" + r.Instance
	return r.C.Rdb.HSet(ctx, key, map[string]any{
		"pending":    st.Pending,
		"running":    st.Running,
		"finished":   st.Finished,
		"success":    st.Success,
		"skipped":    st.Skipped,
		"failed":     st.Failed,
		"updated_at": time.Now().UnixMilli(),
	}).Err()
}
