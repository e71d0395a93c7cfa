// Package geo holds the grid geometry the coordination heuristics need,
// computed with simplefeatures.
package geo

import (
	"fmt"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"
)

// Point is a position on the host's ground plane. The host grid uses X and Z;
// Z maps to the geometry's Y axis.
type Point struct {
	X float64
	Z float64
}

func (p Point) String() string {
	return fmt.Sprintf("(%g,%g)", p.X, p.Z)
}

func (p Point) xy() geom.XY {
	return geom.XY{X: p.X, Y: p.Z}
}

func (p Point) point() (geom.Point, error) {
	if !finite(p.X) || !finite(p.Z) {
		return geom.Point{}, fmt.Errorf("point %v is not finite", p)
	}
	return geom.NewPoint(geom.Coordinates{XY: p.xy(), Type: geom.DimXY})
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Centroid returns the arithmetic mean of points. It reports false for an
// empty set or when a point is not finite.
func Centroid(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	pts := make([]geom.Point, len(points))
	for i, p := range points {
		pt, err := p.point()
		if err != nil {
			return Point{}, false
		}
		pts[i] = pt
	}
	xy, ok := geom.NewMultiPoint(pts).Centroid().XY()
	if !ok {
		return Point{}, false
	}
	return Point{X: xy.X, Z: xy.Y}, true
}

// Distance is the Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	return a.xy().Sub(b.xy()).Length()
}

// Nearest returns the distance from p to the closest point of set. It
// reports false for an empty set.
func Nearest(p Point, set []Point) (float64, bool) {
	if len(set) == 0 {
		return 0, false
	}
	best := Distance(p, set[0])
	for _, q := range set[1:] {
		best = min(best, Distance(p, q))
	}
	return best, true
}
