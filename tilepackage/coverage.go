package tilepackage

import (
	"github.com/RoaringBitmap/roaring/roaring64"
)

// CoverageMap records which tiles of a sparse vector pyramid are
// materialized in the archive. One bitmap per zoom level, indexed by Morton
// order, so the essential "is (z,x,y) present" probe is a single bitmap
// lookup with no per-node hashing.
type CoverageMap struct {
	levels map[uint8]*roaring64.Bitmap
}

// mortonID interleaves the bits of x and y.
func mortonID(x, y uint32) uint64 {
	return spreadBits(x) | spreadBits(y)<<1
}

func spreadBits(v uint32) uint64 {
	n := uint64(v)
	n = (n | n<<16) & 0x0000ffff0000ffff
	n = (n | n<<8) & 0x00ff00ff00ff00ff
	n = (n | n<<4) & 0x0f0f0f0f0f0f0f0f
	n = (n | n<<2) & 0x3333333333333333
	n = (n | n<<1) & 0x5555555555555555
	return n
}

func newCoverageMap() *CoverageMap {
	return &CoverageMap{levels: make(map[uint8]*roaring64.Bitmap)}
}

func (c *CoverageMap) add(z uint8, x, y uint32) {
	level, ok := c.levels[z]
	if !ok {
		level = roaring64.New()
		c.levels[z] = level
	}
	level.Add(mortonID(x, y))
}

// Has reports whether a real tile exists at (z,x,y).
func (c *CoverageMap) Has(z uint8, x, y uint32) bool {
	level, ok := c.levels[z]
	return ok && level.Contains(mortonID(x, y))
}

// Ancestor walks up the pyramid from (z,x,y) and returns the nearest
// materialized ancestor at or above minZoom. The starting tile itself is not
// considered.
func (c *CoverageMap) Ancestor(z uint8, x, y uint32, minZoom uint8) (uint8, uint32, uint32, bool) {
	for z > minZoom {
		z--
		x >>= 1
		y >>= 1
		if c.Has(z, x, y) {
			return z, x, y, true
		}
	}
	return 0, 0, 0, false
}

type tilemapNode struct {
	z     uint8
	x, y  uint32
	value interface{}
}

// parseTilemapIndex expands the tilemap descriptor's quadtree into a
// CoverageMap. The root node (0,0,0) is the "blob" sentinel and is never a
// real tile; each non-scalar node's four children appear in NW, NE, SW, SE
// order and map to (2x,2y), (2x+1,2y), (2x,2y+1), (2x+1,2y+1) one level
// down. Leaf value 1 marks a materialized tile with nothing beneath it.
func parseTilemapIndex(index interface{}) *CoverageMap {
	coverage := newCoverageMap()
	queue := []tilemapNode{{z: 0, x: 0, y: 0, value: index}}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		children, ok := node.value.([]interface{})
		if !ok {
			continue
		}
		cz := node.z + 1
		for i, child := range children {
			if i >= 4 {
				break
			}
			cx := node.x*2 + uint32(i%2)
			cy := node.y*2 + uint32(i/2)
			switch v := child.(type) {
			case float64:
				if v == 1 {
					coverage.add(cz, cx, cy)
				}
			case []interface{}:
				queue = append(queue, tilemapNode{z: cz, x: cx, y: cy, value: v})
			}
		}
	}
	return coverage
}
