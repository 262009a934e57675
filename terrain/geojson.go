package terrain

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// PatchFootprint returns the planar footprint of p placed in the shared
// frame by pose: the convex hull of its transformed (x, y) as a polygon, or a
// MultiPoint when fewer than three hull vertices exist. A positive tolerance
// drops hull vertices closer than it to the simplified outline.
func PatchFootprint(id string, p *Patch, pose Transform, tolerance float64) *geojson.Feature {
	pts := pose.ApplyAll(p.Points())
	planarPts := make([]orb.Point, len(pts))
	for i, pt := range pts {
		planarPts[i] = orb.Point{pt.X, pt.Y}
	}

	hull := convexHull(planarPts)

	var f *geojson.Feature
	if len(hull) >= 3 {
		ring := make(orb.Ring, 0, len(hull)+1)
		ring = append(ring, hull...)
		ring = append(ring, hull[0])
		if tolerance > 0 {
			if s, ok := simplify.DouglasPeucker(tolerance).Simplify(ring.Clone()).(orb.Ring); ok && len(s) >= 4 {
				ring = s
			}
		}
		poly := orb.Polygon{ring}
		f = geojson.NewFeature(poly)
		f.Properties["area"] = math.Abs(planar.Area(poly))
	} else {
		f = geojson.NewFeature(orb.MultiPoint(hull))
		f.Properties["area"] = 0.0
	}

	f.Properties["id"] = id
	f.Properties["count"] = len(pts)
	if c, err := centroid(pts); err == nil {
		f.Properties["centroidZ"] = c.Z
	}
	return f
}

// ExportGeoJSON builds a FeatureCollection with one footprint per registered
// patch. A patch that was the moving side of a correction is placed with
// its corrected pose and carries the correction in its properties.
func ExportGeoJSON(reg *Registry, tolerance float64) *geojson.FeatureCollection {
	byMoving := make(map[string]Correction)
	for _, c := range reg.Corrections().Sorted() {
		if _, seen := byMoving[c.Moving]; !seen {
			byMoving[c.Moving] = c
		}
	}

	fc := geojson.NewFeatureCollection()
	for _, id := range reg.PatchIDs() {
		p, ok := reg.GetPatch(id)
		if !ok {
			continue
		}
		pose := p.Pose()
		c, corrected := byMoving[id]
		if corrected {
			if fixed, ok := reg.GetPatch(c.Fixed); ok {
				pose = c.CorrectedPose(fixed.Pose())
			} else {
				corrected = false
			}
		}

		f := PatchFootprint(id, p, pose, tolerance)
		if corrected {
			f.Properties["correction"] = map[string]interface{}{
				"fixed":     c.Fixed,
				"tx":        c.Tx,
				"ty":        c.Ty,
				"converged": c.Converged,
			}
		}
		fc.Append(f)
	}
	return fc
}

// convexHull computes the convex hull of a set of 2D points using
// Andrew's monotone chain. Returns points in counter-clockwise order.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		result := make([]orb.Point, len(points))
		copy(result, points)
		return result
	}

	sorted := make([]orb.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	n := len(sorted)
	hull := make([]orb.Point, 0, 2*n)
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	lower := len(hull) + 1
	for i := n - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}

	return hull[:len(hull)-1]
}
