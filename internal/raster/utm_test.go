package raster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUTMZone(t *testing.T) {
	tests := []struct {
		lon  float64
		zone int
	}{
		{-180, 1},
		{-74.006, 18},
		{0, 31},
		{3, 31},
		{4.5, 31},
		{18.42, 34},
		{179.9, 60},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.zone, UTMZone(tc.lon), "lon=%f", tc.lon)
	}
}

func TestLatLonToUTM(t *testing.T) {
	t.Run("central meridian has no easting offset", func(t *testing.T) {
		e, n, zone, northern, err := LatLonToUTM(45.0, 3.0)
		require.NoError(t, err)
		assert.Equal(t, 31, zone)
		assert.True(t, northern)
		assert.InDelta(t, 500000.0, e, 0.01)
		assert.InDelta(t, 4982950.40, n, 0.5)
	})

	t.Run("mid-zone northern hemisphere", func(t *testing.T) {
		e, n, zone, northern, err := LatLonToUTM(44.5, 4.5)
		require.NoError(t, err)
		assert.Equal(t, 31, zone)
		assert.True(t, northern)
		assert.InDelta(t, 619246.89, e, 0.5)
		assert.InDelta(t, 4928503.38, n, 0.5)
	})

	t.Run("southern hemisphere applies false northing", func(t *testing.T) {
		e, n, zone, northern, err := LatLonToUTM(-33.9249, 18.4241)
		require.NoError(t, err)
		assert.Equal(t, 34, zone)
		assert.False(t, northern)
		assert.InDelta(t, 261881.60, e, 0.5)
		assert.InDelta(t, 6243182.35, n, 0.5)
	})

	t.Run("rejects out-of-range coordinates", func(t *testing.T) {
		_, _, _, _, err := LatLonToUTM(91, 0)
		require.Error(t, err)
		_, _, _, _, err = LatLonToUTM(0, 181)
		require.Error(t, err)
	})

	t.Run("rejects polar latitudes", func(t *testing.T) {
		_, _, _, _, err := LatLonToUTM(-88, 10)
		require.Error(t, err)
	})
}
