package raster

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DefaultNoData is the sentinel the processing service writes for pixels
// without a valid measurement.
const DefaultNoData = -9999.0

// BoundingBox delimits a grid in its native coordinate reference, geographic
// (degrees) or projected (meters).
type BoundingBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Projected reports whether the box looks like a projected (e.g. UTM)
// system: any axis magnitude beyond valid geographic degrees.
func (b BoundingBox) Projected() bool {
	return math.Abs(b.West) > 180 || math.Abs(b.East) > 180 ||
		math.Abs(b.South) > 180 || math.Abs(b.North) > 180
}

// Degenerate reports whether the box has zero or negative extent on either
// axis. Sampling a degenerate grid yields no valid values.
func (b BoundingBox) Degenerate() bool {
	return b.East <= b.West || b.North <= b.South
}

// Grid is a decoded single-band raster artifact. Values are row-major with
// the top (northern) row first, in the unit declared by Unit. MeasuredAt is
// the secondary acquisition date; zero when the producer omits it.
type Grid struct {
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	BBox       BoundingBox `json:"bbox"`
	NoData     float64     `json:"no_data"`
	Unit       string      `json:"unit"`
	MeasuredAt time.Time   `json:"measured_at,omitempty"`
	Values     []float64   `json:"values"`
}

// DecodeGrid parses the grid JSON document produced by the processing
// service. Malformed dimensions are a contract violation and fail fast.
func DecodeGrid(data []byte) (*Grid, error) {
	var g Grid
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode grid artifact: %w", err)
	}
	if g.Width <= 0 || g.Height <= 0 {
		return nil, fmt.Errorf("corrupt grid dimensions %dx%d", g.Width, g.Height)
	}
	if len(g.Values) != g.Width*g.Height {
		return nil, fmt.Errorf("grid buffer holds %d values, want %d", len(g.Values), g.Width*g.Height)
	}
	if g.NoData == 0 {
		g.NoData = DefaultNoData
	}
	if g.Unit == "" {
		g.Unit = "m"
	}
	return &g, nil
}
