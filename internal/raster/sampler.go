package raster

import "math"

// Point is a geographic (WGS84) location to sample.
type Point struct {
	ID  string
	Lat float64
	Lon float64
}

// SampledValue is the extraction result for one point. DisplacementMM is
// meaningful only when Valid is true.
type SampledValue struct {
	PointID        string
	DisplacementMM float64
	Valid          bool
}

// Options tune sample rejection.
type Options struct {
	// MaxAbsValue rejects readings whose magnitude, in the grid's native
	// unit, exceeds this bound. Zero means the default of 100.
	MaxAbsValue float64
}

const defaultMaxAbsValue = 100.0

// Sample extracts a calibrated displacement for each point, reprojecting into
// the grid's native coordinate system when it is projected. Pure function:
// no side effects, duplicate points yield independent results.
func Sample(g *Grid, points []Point, opt Options) []SampledValue {
	maxAbs := opt.MaxAbsValue
	if maxAbs <= 0 {
		maxAbs = defaultMaxAbsValue
	}

	out := make([]SampledValue, len(points))
	for i, p := range points {
		out[i] = SampledValue{PointID: p.ID}
		raw, ok := g.Lookup(p.Lat, p.Lon)
		if !ok || math.Abs(raw) > maxAbs {
			continue
		}
		out[i].DisplacementMM = toMillimeters(raw, g.Unit)
		out[i].Valid = true
	}
	return out
}

// Lookup reads the raw pixel value under a geographic coordinate. Returns
// false for points outside the grid, no-data pixels, and NaN. No unit
// conversion or plausibility bound is applied; Sample layers those on top.
func (g *Grid) Lookup(lat, lon float64) (float64, bool) {
	if g.BBox.Degenerate() {
		return 0, false
	}

	x, y := lon, lat
	if g.BBox.Projected() {
		// One raster covers one scene, so every point resolves into the
		// zone derived from its own longitude, consistently per call.
		easting, northing, _, _, err := LatLonToUTM(lat, lon)
		if err != nil {
			return 0, false
		}
		x, y = easting, northing
	}

	normX := (x - g.BBox.West) / (g.BBox.East - g.BBox.West)
	normY := (y - g.BBox.South) / (g.BBox.North - g.BBox.South)

	col := int(math.Floor(normX * float64(g.Width)))
	// Raster rows run top to bottom.
	row := int(math.Floor((1 - normY) * float64(g.Height)))

	if col < 0 || col >= g.Width || row < 0 || row >= g.Height {
		return 0, false
	}

	v := g.Values[row*g.Width+col]
	if v == g.NoData || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func toMillimeters(v float64, unit string) float64 {
	switch unit {
	case "mm":
		return v
	default: // native meters
		return v * 1000
	}
}
