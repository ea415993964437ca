package velocity

import (
	"math"
	"sort"
	"time"
)

// EstimateSchemaVersion tags persisted estimates so downstream consumers can
// pattern-match the metadata shape safely.
const EstimateSchemaVersion = 1

const (
	daysPerYear        = 365.25
	outlierZThreshold  = 3.5
	madScale           = 0.6745
	minSamples         = 3
	minQuadraticPoints = 5
)

// Data quality tiers.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// Trend classifications.
const (
	TrendAccelerating = "accelerating"
	TrendDecelerating = "decelerating"
	TrendStable       = "stable"
)

// Sample is one dated displacement observation. Weight carries an external
// quality measure such as interferometric coherence; values <= 0 fall back
// to 1, which degenerates the fit to ordinary least squares.
type Sample struct {
	Date           time.Time
	DisplacementMM float64
	Weight         float64
}

// Estimate is the derived rate model for one monitoring point.
type Estimate struct {
	SchemaVersion     int      `json:"schema_version"`
	VelocityMMYr      float64  `json:"velocity_mm_yr"`
	InterceptMM       float64  `json:"intercept_mm"`
	AccelerationMMYr2 *float64 `json:"acceleration_mm_yr2,omitempty"`
	RSquared          float64  `json:"r_squared"`
	StdErrorMM        float64  `json:"std_error_mm"`
	CI95MMYr          float64  `json:"ci95_mm_yr"`
	DataQuality       string   `json:"data_quality"`
	Trend             string   `json:"trend"`
	OutliersRemoved   int      `json:"outliers_removed"`
	MeasurementCount  int      `json:"measurement_count"`
	Projection30dMM   float64  `json:"projection_30d_mm"`
	Projection90dMM   float64  `json:"projection_90d_mm"`
}

type observation struct {
	t float64 // years since earliest sample
	d float64 // displacement, mm
	w float64
}

type linearFit struct {
	slope     float64
	intercept float64
	rSquared  float64
	stdError  float64
	residuals []float64
}

// EstimateVelocity fits a robust weighted rate model over one point's time
// series. Returns ok=false when fewer than 3 samples are supplied or the
// design is degenerate (all observations on the same date).
func EstimateVelocity(samples []Sample) (Estimate, bool) {
	if len(samples) < minSamples {
		return Estimate{}, false
	}

	ordered := make([]Sample, len(samples))
	copy(ordered, samples)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Date.Before(ordered[j].Date) })

	epoch := ordered[0].Date
	obs := make([]observation, len(ordered))
	for i, s := range ordered {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		obs[i] = observation{
			t: s.Date.Sub(epoch).Hours() / 24 / daysPerYear,
			d: s.DisplacementMM,
			w: w,
		}
	}

	fit, ok := fitLinear(obs)
	if !ok {
		return Estimate{}, false
	}

	retained, removed := rejectOutliers(obs, fit.residuals)
	if removed > 0 && len(retained) >= minSamples {
		if refit, refitOK := fitLinear(retained); refitOK {
			obs, fit = retained, refit
		} else {
			removed = 0
		}
	} else if removed > 0 {
		// Removal would drop below the minimum; keep the unfiltered fit.
		removed = 0
	}

	est := Estimate{
		SchemaVersion:    EstimateSchemaVersion,
		VelocityMMYr:     fit.slope,
		InterceptMM:      fit.intercept,
		RSquared:         fit.rSquared,
		StdErrorMM:       fit.stdError,
		OutliersRemoved:  removed,
		MeasurementCount: len(obs),
	}

	if len(obs) >= minQuadraticPoints {
		if a, quadOK := fitQuadraticAcceleration(obs); quadOK {
			accel := 2 * a
			est.AccelerationMMYr2 = &accel
		}
	}

	est.DataQuality = classifyQuality(len(obs), fit.rSquared, fit.stdError, removed)
	est.Trend = classifyTrend(fit.slope, est.AccelerationMMYr2)

	lastT := obs[len(obs)-1].t
	est.Projection30dMM = fit.intercept + fit.slope*(lastT+30/daysPerYear)
	est.Projection90dMM = fit.intercept + fit.slope*(lastT+90/daysPerYear)

	est.CI95MMYr = tCritical95(len(obs)-2) * fit.stdError

	return est, true
}

// fitLinear computes a weighted least-squares line. ok=false when the design
// is degenerate, e.g. every observation shares one date.
func fitLinear(obs []observation) (linearFit, bool) {
	var sw, swx, swy, swxy, swxx float64
	for _, o := range obs {
		sw += o.w
		swx += o.w * o.t
		swy += o.w * o.d
		swxy += o.w * o.t * o.d
		swxx += o.w * o.t * o.t
	}

	denom := sw*swxx - swx*swx
	if denom == 0 || math.Abs(denom) < 1e-12 {
		return linearFit{}, false
	}

	slope := (sw*swxy - swx*swy) / denom
	intercept := (swy - slope*swx) / sw

	mean := swy / sw
	var ssRes, ssTot float64
	residuals := make([]float64, len(obs))
	for i, o := range obs {
		r := o.d - (intercept + slope*o.t)
		residuals[i] = r
		ssRes += r * r
		ssTot += (o.d - mean) * (o.d - mean)
	}

	rSquared := 1.0
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}

	stdError := 0.0
	if len(obs) > 2 {
		stdError = math.Sqrt(ssRes / float64(len(obs)-2))
	}

	return linearFit{
		slope:     slope,
		intercept: intercept,
		rSquared:  rSquared,
		stdError:  stdError,
		residuals: residuals,
	}, true
}

// rejectOutliers drops observations whose residual Modified Z-score exceeds
// the threshold. A zero MAD (at least half the residuals identical) makes
// the score meaningless, so nothing is removed.
func rejectOutliers(obs []observation, residuals []float64) ([]observation, int) {
	med := median(residuals)

	dev := make([]float64, len(residuals))
	for i, r := range residuals {
		dev[i] = math.Abs(r - med)
	}
	mad := median(dev)
	if mad < 1e-9 {
		return obs, 0
	}

	retained := make([]observation, 0, len(obs))
	removed := 0
	for i, o := range obs {
		z := madScale * (residuals[i] - med) / mad
		if math.Abs(z) > outlierZThreshold {
			removed++
			continue
		}
		retained = append(retained, o)
	}
	return retained, removed
}

// fitQuadraticAcceleration fits d = a·t² + b·t + c by weighted normal
// equations and returns the leading coefficient.
func fitQuadraticAcceleration(obs []observation) (float64, bool) {
	var s0, s1, s2, s3, s4, sy, sxy, sxxy float64
	for _, o := range obs {
		t2 := o.t * o.t
		s0 += o.w
		s1 += o.w * o.t
		s2 += o.w * t2
		s3 += o.w * t2 * o.t
		s4 += o.w * t2 * t2
		sy += o.w * o.d
		sxy += o.w * o.t * o.d
		sxxy += o.w * t2 * o.d
	}

	// Cramer's rule on the 3x3 normal matrix, ordered (a, b, c).
	det := det3(s4, s3, s2, s3, s2, s1, s2, s1, s0)
	if math.Abs(det) < 1e-12 {
		return 0, false
	}
	detA := det3(sxxy, s3, s2, sxy, s2, s1, sy, s1, s0)
	return detA / det, true
}

func det3(a, b, c, d, e, f, g, h, i float64) float64 {
	return a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
}

func classifyQuality(count int, rSquared, stdError float64, outliersRemoved int) string {
	switch {
	case count >= 10 && rSquared >= 0.9 && stdError < 2 && outliersRemoved <= 1:
		return QualityExcellent
	case count >= 5 && rSquared >= 0.7 && stdError < 5 && outliersRemoved <= 2:
		return QualityGood
	case count >= 3 && rSquared >= 0.5 && stdError < 10 && outliersRemoved <= 3:
		return QualityFair
	default:
		return QualityPoor
	}
}

func classifyTrend(velocity float64, acceleration *float64) string {
	if acceleration == nil || math.Abs(*acceleration) <= 1 {
		return TrendStable
	}
	if velocity*(*acceleration) > 0 {
		return TrendAccelerating
	}
	if velocity*(*acceleration) < 0 {
		return TrendDecelerating
	}
	return TrendStable
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// tCritical95 returns the two-sided 95% Student-t critical value. The normal
// approximation is used beyond 30 degrees of freedom.
func tCritical95(df int) float64 {
	table := []float64{
		12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
		2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
		2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042,
	}
	if df < 1 {
		return table[0]
	}
	if df <= len(table) {
		return table[df-1]
	}
	return 1.96
}
