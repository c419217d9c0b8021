package geometry

// Point is a position in the XY plane.
type Point struct {
	X float64
	Y float64
}

// Polygon is an ordered vertex list; the closing edge from the last vertex back to the
// first is implicit. Vertices are kept as raw coordinate slices so that partially corrupt
// area data can still be evaluated.
type Polygon [][]float64

// PointInPolygon applies the even-odd rule. Edges with a malformed endpoint are skipped
// and polygons with fewer than three vertices contain nothing.
func PointInPolygon(p Point, poly Polygon) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := poly[i], poly[j]
		if len(vi) < 2 || len(vj) < 2 {
			continue
		}
		xi, yi := vi[0], vi[1]
		xj, yj := vj[0], vj[1]
		if (yi > p.Y) == (yj > p.Y) {
			continue
		}
		// yi != yj here, so the division is safe.
		x := (xj-xi)*(p.Y-yi)/(yj-yi) + xi
		if p.X < x {
			inside = !inside
		}
	}
	return inside
}

// InAnyPolygon reports whether p lies inside at least one of the polygons.
func InAnyPolygon(p Point, polys []Polygon) bool {
	for _, poly := range polys {
		if PointInPolygon(p, poly) {
			return true
		}
	}
	return false
}

// InRange reports whether v lies in the closed interval [lo, hi].
func InRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
