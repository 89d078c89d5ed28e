package tilepackage

import (
	"log"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
)

// DefaultBuffer is how far beyond the tile edge, in tile-extent units,
// clipped geometry is retained so downstream rendering sees the same buffer
// a natively encoded tile would carry.
const DefaultBuffer = 128.0

// SubdivideOptions tune one subdivision call.
type SubdivideOptions struct {
	// Buffer in tile-extent units; DefaultBuffer when zero.
	Buffer float64
	// IncludeLayers keeps only layers whose name passes the predicate.
	IncludeLayers func(name string) bool
	// MaxDzWarn logs a diagnostic (not an error) for zoom jumps beyond it.
	MaxDzWarn uint8
	Logger    *log.Logger
}

func (o SubdivideOptions) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// Subdivide synthesizes the MVT tile (tz,tx,ty) out of its ancestor
// (pz,px,py): every feature is scaled into the target tile's coordinate
// frame and clipped to the target extent plus buffer. Working in the
// target's frame keeps the jump exact for any dz, so no error accumulates
// when skipping levels. Properties and feature ids pass through verbatim;
// features whose geometry clips away, and layers left with no features, are
// dropped.
func Subdivide(parent []byte, pz uint8, px, py uint32, tz uint8, tx, ty uint32, opts SubdivideOptions) ([]byte, error) {
	if tz <= pz {
		return parent, nil
	}
	dz := tz - pz
	if tx>>dz != px || ty>>dz != py {
		return nil, &ContainmentViolationError{
			ParentZ: pz, ParentX: px, ParentY: py,
			TargetZ: tz, TargetX: tx, TargetY: ty,
		}
	}
	if opts.MaxDzWarn > 0 && dz > opts.MaxDzWarn {
		opts.logf("subdividing across %d zoom levels for %d/%d/%d; expect coarse geometry", dz, tz, tx, ty)
	}
	buffer := opts.Buffer
	if buffer == 0 {
		buffer = DefaultBuffer
	}

	layers, err := mvt.Unmarshal(parent)
	if err != nil {
		return nil, err
	}

	scale := float64(uint64(1) << dz)
	out := make(mvt.Layers, 0, len(layers))
	for _, layer := range layers {
		if opts.IncludeLayers != nil && !opts.IncludeLayers(layer.Name) {
			continue
		}
		extent := float64(layer.Extent)
		if layer.Extent != 4096 {
			opts.logf("layer %q declares extent %d; honoring it", layer.Name, layer.Extent)
		}
		offsetX := (float64(tx) - float64(px)*scale) * extent
		offsetY := (float64(ty) - float64(py)*scale) * extent
		lo, hi := -buffer, extent+buffer

		kept := layer.Features[:0]
		for _, feature := range layer.Features {
			scaled := scaleGeometry(feature.Geometry, scale, offsetX, offsetY)
			clipped := clipGeometry(scaled, lo, hi)
			if clipped == nil {
				continue
			}
			feature.Geometry = clipped
			kept = append(kept, feature)
		}
		if len(kept) == 0 {
			continue
		}
		layer.Features = kept
		out = append(out, layer)
	}
	return mvt.Marshal(out)
}

// scaleGeometry maps every point into the target tile's frame:
// p' = p*scale - offset. Slice-backed geometries are updated in place.
func scaleGeometry(g orb.Geometry, scale, offsetX, offsetY float64) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		return scalePoint(geom, scale, offsetX, offsetY)
	case orb.MultiPoint:
		scalePoints(geom, scale, offsetX, offsetY)
	case orb.LineString:
		scalePoints(geom, scale, offsetX, offsetY)
	case orb.MultiLineString:
		for _, line := range geom {
			scalePoints(line, scale, offsetX, offsetY)
		}
	case orb.Ring:
		scalePoints(geom, scale, offsetX, offsetY)
	case orb.Polygon:
		for _, ring := range geom {
			scalePoints(ring, scale, offsetX, offsetY)
		}
	case orb.MultiPolygon:
		for _, polygon := range geom {
			for _, ring := range polygon {
				scalePoints(ring, scale, offsetX, offsetY)
			}
		}
	}
	return g
}

func scalePoints(points []orb.Point, scale, offsetX, offsetY float64) {
	for i := range points {
		points[i][0] = points[i][0]*scale - offsetX
		points[i][1] = points[i][1]*scale - offsetY
	}
}

func scalePoint(p orb.Point, scale, offsetX, offsetY float64) orb.Point {
	return orb.Point{p[0]*scale - offsetX, p[1]*scale - offsetY}
}

// clipGeometry clips a transformed geometry to [lo,hi] on both axes and
// returns nil when nothing survives. Points survive only strictly inside the
// box; lines may fragment; polygon rings stay single rings and are
// re-closed.
func clipGeometry(g orb.Geometry, lo, hi float64) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		if pointInside(geom, lo, hi) {
			return geom
		}
		return nil
	case orb.MultiPoint:
		kept := geom[:0]
		for _, p := range geom {
			if pointInside(p, lo, hi) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return kept
	case orb.LineString:
		parts := clipLine(geom, lo, hi)
		switch len(parts) {
		case 0:
			return nil
		case 1:
			return parts[0]
		default:
			return orb.MultiLineString(parts)
		}
	case orb.MultiLineString:
		var parts []orb.LineString
		for _, line := range geom {
			parts = append(parts, clipLine(line, lo, hi)...)
		}
		if len(parts) == 0 {
			return nil
		}
		return orb.MultiLineString(parts)
	case orb.Ring:
		clipped := clipRing(geom, lo, hi)
		if clipped == nil {
			return nil
		}
		return clipped
	case orb.Polygon:
		clipped := clipPolygon(geom, lo, hi)
		if clipped == nil {
			return nil
		}
		return clipped
	case orb.MultiPolygon:
		kept := geom[:0]
		for _, polygon := range geom {
			if clipped := clipPolygon(polygon, lo, hi); clipped != nil {
				kept = append(kept, clipped)
			}
		}
		if len(kept) == 0 {
			return nil
		}
		return kept
	}
	return nil
}

func pointInside(p orb.Point, lo, hi float64) bool {
	return p[0] > lo && p[0] < hi && p[1] > lo && p[1] < hi
}

// clipPolygon clips each ring independently so holes remain distinct rings.
// If the outer ring clips away the whole polygon is gone.
func clipPolygon(polygon orb.Polygon, lo, hi float64) orb.Polygon {
	var kept orb.Polygon
	for i, ring := range polygon {
		clipped := clipRing(ring, lo, hi)
		if clipped == nil {
			if i == 0 {
				return nil
			}
			continue
		}
		kept = append(kept, clipped)
	}
	return kept
}

// clipLine clips one line to the box: first along x, then each surviving
// slice along y. Slices that leave and re-enter the box fragment into
// separate lines.
func clipLine(line orb.LineString, lo, hi float64) []orb.LineString {
	var result []orb.LineString
	for _, part := range clipSegments(line, 0, lo, hi) {
		result = append(result, clipSegments(part, 1, lo, hi)...)
	}
	return result
}

func clipSegments(line orb.LineString, axis int, lo, hi float64) []orb.LineString {
	var parts []orb.LineString
	var slice orb.LineString
	flush := func() {
		if len(slice) >= 2 {
			parts = append(parts, slice)
		}
		slice = nil
	}
	for i := 0; i < len(line)-1; i++ {
		a, b := line[i], line[i+1]
		ak, bk := a[axis], b[axis]
		switch {
		case ak < lo:
			if bk > hi {
				slice = append(slice, intersect(a, b, axis, lo), intersect(a, b, axis, hi))
				flush()
			} else if bk >= lo {
				slice = append(slice, intersect(a, b, axis, lo))
			}
		case ak > hi:
			if bk < lo {
				slice = append(slice, intersect(a, b, axis, hi), intersect(a, b, axis, lo))
				flush()
			} else if bk <= hi {
				slice = append(slice, intersect(a, b, axis, hi))
			}
		default:
			slice = append(slice, a)
			if bk < lo {
				slice = append(slice, intersect(a, b, axis, lo))
				flush()
			} else if bk > hi {
				slice = append(slice, intersect(a, b, axis, hi))
				flush()
			}
		}
	}
	if len(line) > 0 {
		last := line[len(line)-1]
		if k := last[axis]; k >= lo && k <= hi {
			slice = append(slice, last)
		}
	}
	flush()
	return parts
}

// clipRing applies a Sutherland-Hodgman pass against each of the four box
// half-planes. The ring's closing point is removed first and restored after,
// so the output ring always ends where it starts.
func clipRing(ring orb.Ring, lo, hi float64) orb.Ring {
	open := ring
	if len(open) > 1 && open[0] == open[len(open)-1] {
		open = open[:len(open)-1]
	}
	open = clipRingHalf(open, 0, lo, false)
	open = clipRingHalf(open, 0, hi, true)
	open = clipRingHalf(open, 1, lo, false)
	open = clipRingHalf(open, 1, hi, true)
	if len(open) < 3 {
		return nil
	}
	if open[0] != open[len(open)-1] {
		open = append(open, open[0])
	}
	return open
}

func clipRingHalf(ring orb.Ring, axis int, bound float64, keepBelow bool) orb.Ring {
	if len(ring) == 0 {
		return ring
	}
	inside := func(p orb.Point) bool {
		if keepBelow {
			return p[axis] <= bound
		}
		return p[axis] >= bound
	}
	out := make(orb.Ring, 0, len(ring)+4)
	prev := ring[len(ring)-1]
	for _, cur := range ring {
		if inside(cur) {
			if !inside(prev) {
				out = append(out, intersect(prev, cur, axis, bound))
			}
			out = append(out, cur)
		} else if inside(prev) {
			out = append(out, intersect(prev, cur, axis, bound))
		}
		prev = cur
	}
	return out
}

func intersect(a, b orb.Point, axis int, bound float64) orb.Point {
	t := (bound - a[axis]) / (b[axis] - a[axis])
	if axis == 0 {
		return orb.Point{bound, a[1] + (b[1]-a[1])*t}
	}
	return orb.Point{a[0] + (b[0]-a[0])*t, bound}
}
