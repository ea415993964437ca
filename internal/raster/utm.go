package raster

import (
	"fmt"
	"math"
)

// WGS84 ellipsoid constants and the standard UTM scale/offsets.
const (
	semiMajorAxis  = 6378137.0
	flattening     = 1.0 / 298.257223563
	scaleFactor    = 0.9996
	falseEasting   = 500000.0
	falseNorthing  = 10000000.0 // applied in the southern hemisphere
	degToRad       = math.Pi / 180.0
	eccentricitySq = flattening * (2 - flattening)
)

// UTMZone derives the UTM zone number for a longitude.
func UTMZone(lon float64) int {
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone < 1 {
		zone = 1
	}
	if zone > 60 {
		zone = 60
	}
	return zone
}

// LatLonToUTM projects a WGS84 coordinate into the UTM zone derived from its
// longitude, returning easting/northing in meters along with the zone number
// and hemisphere flag. Uses the standard transverse Mercator series
// expansion, accurate to well under a meter inside the zone.
func LatLonToUTM(lat, lon float64) (easting, northing float64, zone int, northern bool, err error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, 0, false, fmt.Errorf("coordinate out of range: lat=%f lon=%f", lat, lon)
	}
	// The series diverges near the poles; UTM is not defined there anyway.
	if lat < -84 || lat > 84 {
		return 0, 0, 0, false, fmt.Errorf("latitude %f outside UTM coverage", lat)
	}

	zone = UTMZone(lon)
	lonOrigin := float64((zone-1)*6-180) + 3

	e2 := eccentricitySq
	ep2 := e2 / (1 - e2)

	phi := lat * degToRad
	dLambda := (lon - lonOrigin) * degToRad

	sinPhi, cosPhi := math.Sincos(phi)
	tanPhi := sinPhi / cosPhi

	n := semiMajorAxis / math.Sqrt(1-e2*sinPhi*sinPhi)
	t := tanPhi * tanPhi
	c := ep2 * cosPhi * cosPhi
	a := cosPhi * dLambda

	// Meridional arc length from the equator.
	m := semiMajorAxis * ((1-e2/4-3*e2*e2/64-5*e2*e2*e2/256)*phi -
		(3*e2/8+3*e2*e2/32+45*e2*e2*e2/1024)*math.Sin(2*phi) +
		(15*e2*e2/256+45*e2*e2*e2/1024)*math.Sin(4*phi) -
		(35*e2*e2*e2/3072)*math.Sin(6*phi))

	easting = scaleFactor*n*(a+(1-t+c)*a*a*a/6+
		(5-18*t+t*t+72*c-58*ep2)*math.Pow(a, 5)/120) + falseEasting

	northing = scaleFactor * (m + n*tanPhi*(a*a/2+
		(5-t+9*c+4*c*c)*math.Pow(a, 4)/24+
		(61-58*t+t*t+600*c-330*ep2)*math.Pow(a, 6)/720))

	northern = lat >= 0
	if !northern {
		northing += falseNorthing
	}
	return easting, northing, zone, northern, nil
}
