package velocity

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// linearSamples generates displacement = intercept + slope*t years with
// per-sample additive noise, one sample every stepDays.
func linearSamples(n, stepDays int, slope, intercept float64, noise []float64) []Sample {
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		t := float64(i*stepDays) / daysPerYear
		d := intercept + slope*t
		if i < len(noise) {
			d += noise[i]
		}
		out[i] = Sample{Date: day(i * stepDays), DisplacementMM: d}
	}
	return out
}

func TestEstimateVelocityInsufficientData(t *testing.T) {
	for n := 0; n <= 2; n++ {
		_, ok := EstimateVelocity(linearSamples(n, 12, -10, 0, nil))
		assert.False(t, ok, "n=%d", n)
	}
}

func TestEstimateVelocityAllEqualDates(t *testing.T) {
	d := day(0)
	samples := []Sample{
		{Date: d, DisplacementMM: -1},
		{Date: d, DisplacementMM: -2},
		{Date: d, DisplacementMM: -3},
	}
	_, ok := EstimateVelocity(samples)
	assert.False(t, ok)
}

func TestEstimateVelocityMatchesOLSWithUnitWeights(t *testing.T) {
	noise := []float64{0.3, -0.2, 0.1, -0.4, 0.2, 0.0, -0.1, 0.3}
	samples := linearSamples(8, 12, -12, 1, noise)

	est, ok := EstimateVelocity(samples)
	require.True(t, ok)
	require.Zero(t, est.OutliersRemoved)

	// Ordinary least squares computed independently.
	var sx, sy, sxy, sxx float64
	n := float64(len(samples))
	for i, s := range samples {
		x := float64(i*12) / daysPerYear
		sx += x
		sy += s.DisplacementMM
		sxy += x * s.DisplacementMM
		sxx += x * x
	}
	olsSlope := (n*sxy - sx*sy) / (n*sxx - sx*sx)
	olsIntercept := (sy - olsSlope*sx) / n

	assert.InDelta(t, olsSlope, est.VelocityMMYr, 1e-9)
	assert.InDelta(t, olsIntercept, est.InterceptMM, 1e-9)
}

func TestEstimateVelocityIgnoresNonPositiveWeights(t *testing.T) {
	noise := []float64{0.2, -0.3, 0.1, -0.1, 0.3, -0.2}
	base := linearSamples(6, 12, -8, 0, noise)

	zeroed := make([]Sample, len(base))
	copy(zeroed, base)
	for i := range zeroed {
		zeroed[i].Weight = 0
	}

	a, ok := EstimateVelocity(base)
	require.True(t, ok)
	b, ok := EstimateVelocity(zeroed)
	require.True(t, ok)
	assert.InDelta(t, a.VelocityMMYr, b.VelocityMMYr, 1e-12)
	assert.InDelta(t, a.StdErrorMM, b.StdErrorMM, 1e-12)
}

func TestEstimateVelocityCoherenceWeighting(t *testing.T) {
	// Down-weighting a deviant sample must pull the slope toward the
	// consensus of the well-correlated ones.
	noise := []float64{0.5, -0.4, 0.3, -0.5, 0.4, -0.3, 0.2, -0.2}
	samples := linearSamples(8, 12, -10, 0, noise)
	samples[3].DisplacementMM += 1.2
	for i := range samples {
		samples[i].Weight = 0.9
	}

	unweighted := make([]Sample, len(samples))
	copy(unweighted, samples)
	for i := range unweighted {
		unweighted[i].Weight = 1
	}
	samples[3].Weight = 0.05

	weighted, ok := EstimateVelocity(samples)
	require.True(t, ok)
	flat, ok := EstimateVelocity(unweighted)
	require.True(t, ok)

	require.Zero(t, weighted.OutliersRemoved)
	require.Zero(t, flat.OutliersRemoved)
	assert.NotEqual(t, flat.VelocityMMYr, weighted.VelocityMMYr)
	assert.Less(t, math.Abs(weighted.VelocityMMYr+10), math.Abs(flat.VelocityMMYr+10))
}

func TestEstimateVelocityOutlierRemoval(t *testing.T) {
	noise := []float64{0.2, -0.1, 0.15, -0.2, 0.1, -0.15, 0.05, -0.05, 0.1, -0.1}
	samples := linearSamples(10, 12, -15, 0, noise)
	// Inject one extreme reading.
	samples[5].DisplacementMM += 40

	est, ok := EstimateVelocity(samples)
	require.True(t, ok)
	assert.Equal(t, 1, est.OutliersRemoved)
	assert.Equal(t, 9, est.MeasurementCount)

	// Unfiltered fit over the same observations, for comparison.
	obs := make([]observation, len(samples))
	for i, s := range samples {
		obs[i] = observation{t: float64(i*12) / daysPerYear, d: s.DisplacementMM, w: 1}
	}
	unfiltered, fitOK := fitLinear(obs)
	require.True(t, fitOK)

	assert.Less(t, est.StdErrorMM, unfiltered.stdError)
	assert.Greater(t, est.RSquared, unfiltered.rSquared)
}

func TestEstimateVelocityOutlierRemovalRespectsMinimum(t *testing.T) {
	samples := []Sample{
		{Date: day(0), DisplacementMM: 0.1},
		{Date: day(12), DisplacementMM: -0.4},
		{Date: day(24), DisplacementMM: 25},
	}
	est, ok := EstimateVelocity(samples)
	require.True(t, ok)
	assert.Zero(t, est.OutliersRemoved)
	assert.Equal(t, 3, est.MeasurementCount)
}

func TestEstimateVelocityAcceleration(t *testing.T) {
	// displacement = 3t^2 + 5t + 2; leading coefficient 3 => acceleration 6.
	samples := make([]Sample, 8)
	for i := range samples {
		tYears := float64(i*30) / daysPerYear
		samples[i] = Sample{
			Date:           day(i * 30),
			DisplacementMM: 3*tYears*tYears + 5*tYears + 2,
		}
	}

	est, ok := EstimateVelocity(samples)
	require.True(t, ok)
	require.NotNil(t, est.AccelerationMMYr2)
	assert.InDelta(t, 6.0, *est.AccelerationMMYr2, 1e-6)
	assert.Equal(t, TrendAccelerating, est.Trend)
}

func TestEstimateVelocityAccelerationUnreportedBelowFivePoints(t *testing.T) {
	samples := linearSamples(4, 12, -10, 0, []float64{0.1, -0.1, 0.2, -0.2})
	est, ok := EstimateVelocity(samples)
	require.True(t, ok)
	assert.Nil(t, est.AccelerationMMYr2)
	assert.Equal(t, TrendStable, est.Trend)
}

func TestEstimateVelocityProjections(t *testing.T) {
	samples := linearSamples(6, 30, -20, 0, nil)
	est, ok := EstimateVelocity(samples)
	require.True(t, ok)

	lastT := float64(5*30) / daysPerYear
	assert.InDelta(t, est.InterceptMM+est.VelocityMMYr*(lastT+30/daysPerYear), est.Projection30dMM, 1e-9)
	assert.InDelta(t, est.InterceptMM+est.VelocityMMYr*(lastT+90/daysPerYear), est.Projection90dMM, 1e-9)
	assert.Less(t, est.Projection90dMM, est.Projection30dMM)
}

func TestEstimateVelocityConfidenceInterval(t *testing.T) {
	noise := []float64{0.3, -0.2, 0.1, -0.3, 0.2, -0.1, 0.1, -0.2}
	samples := linearSamples(8, 12, -10, 0, noise)
	est, ok := EstimateVelocity(samples)
	require.True(t, ok)
	require.Zero(t, est.OutliersRemoved)

	// df = 8-2 = 6 => t = 2.447.
	assert.InDelta(t, 2.447*est.StdErrorMM, est.CI95MMYr, 1e-9)
}

func TestClassifyQuality(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		r2       float64
		se       float64
		outliers int
		want     string
	}{
		{"excellent tier", 12, 0.95, 1.2, 1, QualityExcellent},
		{"good tier", 7, 0.8, 3.0, 2, QualityGood},
		{"fair tier", 4, 0.55, 8.0, 0, QualityFair},
		{"poor on low r2", 12, 0.3, 1.0, 0, QualityPoor},
		{"poor on high stderr", 12, 0.95, 15.0, 0, QualityPoor},
		{"excellent requires few outliers", 12, 0.95, 1.2, 2, QualityGood},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyQuality(tc.count, tc.r2, tc.se, tc.outliers))
		})
	}
}

func TestEstimateVelocityExcellentScenario(t *testing.T) {
	noise := []float64{0.2, -0.15, 0.1, -0.2, 0.15, -0.1, 0.05, -0.05, 0.1, -0.1, 0.15, -0.2}
	samples := linearSamples(12, 12, -18, 0, noise)
	samples[6].DisplacementMM += 30

	est, ok := EstimateVelocity(samples)
	require.True(t, ok)
	assert.Equal(t, 1, est.OutliersRemoved)
	assert.GreaterOrEqual(t, est.RSquared, 0.9)
	assert.Less(t, est.StdErrorMM, 2.0)
	assert.Equal(t, QualityExcellent, est.DataQuality)
}

func TestTCritical(t *testing.T) {
	assert.InDelta(t, 12.706, tCritical95(1), 1e-9)
	assert.InDelta(t, 2.042, tCritical95(30), 1e-9)
	assert.InDelta(t, 1.96, tCritical95(60), 1e-9)
	assert.InDelta(t, 12.706, tCritical95(0), 1e-9)
}
