// README: Distance math behind the in-process nearby search.
package location

import (
	"math"
	"sort"

	"delivtrack/internal/types"
)

// meanEarthRadiusKm matches the sphere Redis GEO uses, so MemGeo and RedisGeo
// agree on which drivers fall inside a radius.
const meanEarthRadiusKm = 6372.797560856

// distanceKm is the haversine great-circle distance between two positions.
func distanceKm(from, to types.Point) float64 {
	phi1, phi2 := radians(from.Lat), radians(to.Lat)
	halfDLat := radians(to.Lat-from.Lat) / 2
	halfDLng := radians(to.Lng-from.Lng) / 2

	h := math.Pow(math.Sin(halfDLat), 2) + math.Cos(phi1)*math.Cos(phi2)*math.Pow(math.Sin(halfDLng), 2)
	return 2 * meanEarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// nearestFirst orders search hits by distance, then driver id so equal
// distances come back in a stable order.
func nearestFirst(hits []NearbyDriver) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].DriverID < hits[j].DriverID
	})
}
