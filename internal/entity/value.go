package entity

import (
	"math"
	"time"
)

// GeoPoint is a latitude/longitude pair stored as a field value.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// earthRadiusKm is the mean radius used for great-circle distances.
const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance to other in kilometers.
func (g GeoPoint) DistanceKm(other GeoPoint) float64 {
	lat1 := g.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (other.Longitude - g.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// Polygon is a closed sequence of geo points stored as a field value.
type Polygon struct {
	Points []GeoPoint `json:"points"`
}

// Contains reports whether p falls inside the polygon (ray casting).
func (poly Polygon) Contains(p GeoPoint) bool {
	n := len(poly.Points)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly.Points[i], poly.Points[j]
		if (pi.Latitude > p.Latitude) != (pj.Latitude > p.Latitude) {
			x := (pj.Longitude-pi.Longitude)*(p.Latitude-pi.Latitude)/(pj.Latitude-pi.Latitude) + pi.Longitude
			if p.Longitude < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Pointer references another entity by class and server identifier
// without owning it. Cycles in the object graph are expressed through
// pointers and resolved via the identity map, never by direct ownership.
type Pointer struct {
	ClassName string `json:"class_name"`
	ObjectID  string `json:"object_id"`
}

// Relation is a by-reference set of entities of one target class.
type Relation struct {
	TargetClass string   `json:"target_class"`
	IDs         []string `json:"ids"`
}

// Has reports whether the relation contains the given object ID.
func (r Relation) Has(id string) bool {
	for _, existing := range r.IDs {
		if existing == id {
			return true
		}
	}
	return false
}

// ValueEquals compares two field values. Scalars compare by value with
// numeric widening, pointers by (class, id), lists element-wise.
func ValueEquals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if an, aok := asNumber(a); aok {
		bn, bok := asNumber(b)
		return bok && an == bn
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case Pointer:
		bv, ok := b.(Pointer)
		return ok && av == bv
	case GeoPoint:
		bv, ok := b.(GeoPoint)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValueEquals(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// asNumber widens any supported numeric value to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// IsNumber reports whether v is a supported numeric value.
func IsNumber(v any) bool {
	_, ok := asNumber(v)
	return ok
}

// Number widens v to float64; callers must have checked IsNumber.
func Number(v any) float64 {
	n, _ := asNumber(v)
	return n
}
