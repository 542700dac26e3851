package live

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseRefreshCron validates a refresh schedule: standard five-field
// cron, UTC only.
func ParseRefreshCron(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("live: cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("live: cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("live: invalid cron expression: %w", err)
	}
	return schedule, nil
}

// refresher drives scheduled full list re-fetches.
type refresher struct {
	schedule cron.Schedule
	syncer   *Syncer

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRefresher(expr string, s *Syncer) (*refresher, error) {
	schedule, err := ParseRefreshCron(expr)
	if err != nil {
		return nil, err
	}
	return &refresher{
		schedule: schedule,
		syncer:   s,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (r *refresher) start(ctx context.Context) {
	go r.run(ctx)
}

func (r *refresher) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *refresher) run(ctx context.Context) {
	defer close(r.doneCh)

	for {
		next := r.schedule.Next(time.Now().UTC())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if err := r.syncer.Refresh(ctx); err != nil {
				r.syncer.logger.Warn("scheduled refresh failed", "error", err)
			}
		}
	}
}
