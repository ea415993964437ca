package worker

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/notification"
	"github.com/sentryal/insar-api/internal/observability"
	"github.com/sentryal/insar-api/internal/repository"
	"github.com/sentryal/insar-api/internal/velocity"
)

// Recomputer refreshes per-point velocity models from the current measurement
// set. Shared by the workflow's post-harvest step and the manual recompute
// endpoint. Concurrent recomputes of the same point are last-writer-wins:
// each invocation reads the full measurement set at call time, so the stored
// model always reflects some complete recent state, just not necessarily the
// newest when two jobs race.
type Recomputer struct {
	PointRepo       repository.PointRepository
	MeasurementRepo repository.MeasurementRepository
	Notifications   notification.Service
	Metrics         *observability.Metrics
	Logger          zerolog.Logger

	// AlertVelocityMMYr triggers a velocity alert notification when a
	// refreshed model's |velocity| crosses it. Zero disables alerts.
	AlertVelocityMMYr float64
}

// RecomputePoint refits one point's model. Returns false without error when
// the point has too few measurements for an estimate.
func (r *Recomputer) RecomputePoint(ctx context.Context, pointID string) (bool, error) {
	point, err := r.PointRepo.GetByID(ctx, pointID)
	if err != nil {
		return false, errors.Wrapf(err, "fetch point %s", pointID)
	}

	measurements, err := r.MeasurementRepo.ListByPoint(ctx, pointID)
	if err != nil {
		return false, errors.Wrapf(err, "list measurements for point %s", pointID)
	}

	samples := make([]velocity.Sample, len(measurements))
	for i, m := range measurements {
		s := velocity.Sample{Date: m.MeasuredAt, DisplacementMM: m.DisplacementMM}
		if m.Coherence != nil {
			s.Weight = *m.Coherence
		}
		samples[i] = s
	}

	estimate, ok := velocity.EstimateVelocity(samples)
	if !ok {
		r.Logger.Debug().
			Str("point_id", pointID).
			Int("measurements", len(samples)).
			Msg("insufficient history for velocity estimate")
		return false, nil
	}

	payload, err := json.Marshal(estimate)
	if err != nil {
		return false, errors.Wrap(err, "marshal velocity estimate")
	}
	if err := r.MeasurementRepo.SaveEstimate(ctx, pointID, estimate.VelocityMMYr, payload); err != nil {
		return false, errors.Wrapf(err, "save estimate for point %s", pointID)
	}

	if r.Metrics != nil {
		r.Metrics.VelocityRecomputes.Inc()
	}

	if r.alertWorthy(estimate) {
		if err := r.Notifications.NotifyVelocityAlert(ctx, point.InfrastructureID, pointID, estimate.VelocityMMYr, estimate.DataQuality); err != nil {
			r.Logger.Warn().Err(err).Str("point_id", pointID).Msg("failed to publish velocity alert")
		}
	}

	return true, nil
}

// RecomputeInfrastructure refits every point of an infrastructure and returns
// how many got an updated model.
func (r *Recomputer) RecomputeInfrastructure(ctx context.Context, infrastructureID string) (int, error) {
	points, err := r.PointRepo.ListByInfrastructure(ctx, infrastructureID)
	if err != nil {
		return 0, errors.Wrapf(err, "list points for infrastructure %s", infrastructureID)
	}

	updated := 0
	for _, point := range points {
		ok, err := r.RecomputePoint(ctx, point.ID)
		if err != nil {
			return updated, err
		}
		if ok {
			updated++
		}
	}
	return updated, nil
}

// alertWorthy gates alerts on magnitude and on the model being trustworthy
// enough to wake someone up for.
func (r *Recomputer) alertWorthy(est velocity.Estimate) bool {
	if r.AlertVelocityMMYr <= 0 || r.Notifications == nil {
		return false
	}
	if est.DataQuality == velocity.QualityPoor {
		return false
	}
	return est.VelocityMMYr <= -r.AlertVelocityMMYr || est.VelocityMMYr >= r.AlertVelocityMMYr
}
