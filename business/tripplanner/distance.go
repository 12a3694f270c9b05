package tripplanner

import "math"

const (
	metersPerMile = 1609.344

	walkMilesPerHour = 3.0
	busMilesPerHour  = 12.0

	//fixed allowance for waiting at the curb and boarding once the bus arrives
	boardingAllowanceSeconds = 90.0
)

//latLngDistance calculates the approximate distance between two pairs of coordinates with simplistic
//calculation of longitudinal distance based on latitudes.
//provides adequately accurate results for coordinates that are close together (in the same transit area)
//will not produce good results for locations where longitude rolls over from -179.9 to 179.9
//returns distance in METERS
func latLngDistance(lat1, lon1, lat2, lon2 float64) float64 {
	//take average latitude and convert to radians
	lat := lat1 + lat2
	if lat != 0 { // don't divide by zero
		lat = (lat / 2) * 0.01745329
	}

	diffLat := 111300 * (lat1 - lat2)
	// at equator one degree is 111300 meters, use average latitude to convert
	diffLon := 111300 * math.Cos(lat) * (lon1 - lon2)

	return math.Sqrt((diffLon * diffLon) + (diffLat * diffLat))
}

//latLngDistanceMiles returns the approximate distance between two coordinates in miles
func latLngDistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	return latLngDistance(lat1, lon1, lat2, lon2) / metersPerMile
}

//walkMinutes returns the time to walk "miles" at a typical walking pace
func walkMinutes(miles float64) float64 {
	return miles / walkMilesPerHour * 60
}

//rideMinutes returns the estimated in-vehicle time to travel "miles" on a bus, including
//the boarding allowance
func rideMinutes(miles float64) float64 {
	return miles/busMilesPerHour*60 + boardingAllowanceSeconds/60
}

//validLatLng reports whether a coordinate pair is inside the valid lat/lng ranges
func validLatLng(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
