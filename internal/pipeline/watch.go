package pipeline

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/storm-anomaly-service/internal/domain"
)

// Watch runs a detection round for every location immediately and then once
// per interval until ctx is cancelled. A failed round is logged and the loop
// continues.
func (d *Detector) Watch(ctx context.Context, clock clockwork.Clock, interval time.Duration, locations []domain.Location) {
	if len(locations) == 0 {
		return
	}
	d.logger.Info("watch started", "locations", len(locations), "interval", interval)

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		d.sweep(ctx, locations)
		select {
		case <-ctx.Done():
			d.logger.Info("watch stopping", "reason", ctx.Err())
			return
		case <-ticker.Chan():
		}
	}
}

func (d *Detector) sweep(ctx context.Context, locations []domain.Location) {
	for _, loc := range locations {
		if ctx.Err() != nil {
			return
		}
		det, err := d.Detect(ctx, loc, "")
		if err != nil {
			d.logger.Error("detection round failed", "location", loc.Name, "error", err)
			continue
		}
		if det.Anomaly != nil {
			d.logger.Info("anomaly detected",
				"anomaly_id", det.Anomaly.ID,
				"location", loc.Name,
				"severity", det.Anomaly.Severity,
			)
		}
	}
}
