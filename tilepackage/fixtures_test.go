package tilepackage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
)

type fixtureFile struct {
	name string
	data []byte
}

// buildZip assembles a stored (uncompressed) ZIP archive the way the
// TilePackage producer writes them: no extra fields in local headers. When
// zip64 is set, the trailer carries a ZIP64 end-of-central-directory record
// and every entry's size and offset move into ZIP64 extra fields behind
// 0xffffffff sentinels.
func buildZip(t *testing.T, files []fixtureFile, zip64 bool) []byte {
	var body bytes.Buffer
	offsets := make([]uint64, len(files))

	for i, f := range files {
		offsets[i] = uint64(body.Len())
		local := make([]byte, 30)
		binary.LittleEndian.PutUint32(local[0:4], 0x04034b50)
		binary.LittleEndian.PutUint16(local[4:6], 20)
		binary.LittleEndian.PutUint32(local[18:22], uint32(len(f.data)))
		binary.LittleEndian.PutUint32(local[22:26], uint32(len(f.data)))
		binary.LittleEndian.PutUint16(local[26:28], uint16(len(f.name)))
		body.Write(local)
		body.WriteString(f.name)
		body.Write(f.data)
	}

	dirOffset := uint64(body.Len())
	for i, f := range files {
		var extra []byte
		size := uint32(len(f.data))
		offset := uint32(offsets[i])
		if zip64 {
			extra = make([]byte, 4+16)
			binary.LittleEndian.PutUint16(extra[0:2], zip64ExtraTag)
			binary.LittleEndian.PutUint16(extra[2:4], 16)
			binary.LittleEndian.PutUint64(extra[4:12], uint64(len(f.data)))
			binary.LittleEndian.PutUint64(extra[12:20], offsets[i])
			size = zip32Sentinel
			offset = zip32Sentinel
		}
		central := make([]byte, 46)
		binary.LittleEndian.PutUint32(central[0:4], centralSignature)
		binary.LittleEndian.PutUint16(central[4:6], 45)
		binary.LittleEndian.PutUint16(central[6:8], 20)
		binary.LittleEndian.PutUint32(central[20:24], size)
		binary.LittleEndian.PutUint32(central[24:28], size)
		binary.LittleEndian.PutUint16(central[28:30], uint16(len(f.name)))
		binary.LittleEndian.PutUint16(central[30:32], uint16(len(extra)))
		binary.LittleEndian.PutUint32(central[42:46], offset)
		body.Write(central)
		body.WriteString(f.name)
		body.Write(extra)
	}
	dirSize := uint64(body.Len()) - dirOffset

	if zip64 {
		record := make([]byte, 56)
		binary.LittleEndian.PutUint32(record[0:4], eocd64Signature)
		binary.LittleEndian.PutUint64(record[4:12], 44)
		binary.LittleEndian.PutUint64(record[24:32], uint64(len(files)))
		binary.LittleEndian.PutUint64(record[32:40], uint64(len(files)))
		binary.LittleEndian.PutUint64(record[40:48], dirSize)
		binary.LittleEndian.PutUint64(record[48:56], dirOffset)
		recordOffset := uint64(body.Len())
		body.Write(record)

		locator := make([]byte, 20)
		binary.LittleEndian.PutUint32(locator[0:4], 0x07064b50)
		binary.LittleEndian.PutUint64(locator[8:16], recordOffset)
		binary.LittleEndian.PutUint32(locator[16:20], 1)
		body.Write(locator)

		eocd := make([]byte, 22)
		binary.LittleEndian.PutUint32(eocd[0:4], eocdSignature)
		binary.LittleEndian.PutUint16(eocd[8:10], 0xffff)
		binary.LittleEndian.PutUint16(eocd[10:12], 0xffff)
		binary.LittleEndian.PutUint32(eocd[12:16], zip32Sentinel)
		binary.LittleEndian.PutUint32(eocd[16:20], zip32Sentinel)
		body.Write(eocd)
	} else {
		eocd := make([]byte, 22)
		binary.LittleEndian.PutUint32(eocd[0:4], eocdSignature)
		binary.LittleEndian.PutUint16(eocd[8:10], uint16(len(files)))
		binary.LittleEndian.PutUint16(eocd[10:12], uint16(len(files)))
		binary.LittleEndian.PutUint32(eocd[12:16], uint32(dirSize))
		binary.LittleEndian.PutUint32(eocd[16:20], uint32(dirOffset))
		body.Write(eocd)
	}

	assert.NotEmpty(t, body.Bytes())
	return body.Bytes()
}

type tileCoord struct {
	x, y uint32
}

// buildBundle packs tiles into a bundle file: 64-byte header, 128x128
// index, payloads. Coordinates are absolute; the index slot is their
// position within the bundle's block.
func buildBundle(tiles map[tileCoord][]byte) []byte {
	index := make([]byte, bundleIndexSize)
	var payload bytes.Buffer
	for coord, data := range tiles {
		offset := uint64(bundleHeaderSize+bundleIndexSize) + uint64(payload.Len())
		slot := bundleDim*(coord.y%bundleDim) + (coord.x % bundleDim)
		raw := offset | uint64(len(data))<<40
		binary.LittleEndian.PutUint64(index[slot*8:slot*8+8], raw)
		payload.Write(data)
	}
	var bundle bytes.Buffer
	bundle.Write(make([]byte, bundleHeaderSize))
	bundle.Write(index)
	bundle.Write(payload.Bytes())
	return bundle.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	assert.Nil(t, err)
	assert.Nil(t, w.Close())
	return buf.Bytes()
}

func mustJSON(t *testing.T, v interface{}) []byte {
	data, err := json.Marshal(v)
	assert.Nil(t, err)
	return data
}

func rasterRootJSON(t *testing.T, minZoom, maxZoom int, compression string) []byte {
	root := map[string]interface{}{
		"tileImageInfo": map[string]interface{}{"format": "jpg"},
		"tileInfo": map[string]interface{}{
			"rows":             256,
			"cols":             256,
			"spatialReference": map[string]interface{}{"latestWkid": 3857},
		},
		"minZoom": minZoom,
		"maxZoom": maxZoom,
		"extent": map[string]interface{}{
			"xmin": -180.0, "ymin": -85.05, "xmax": 180.0, "ymax": 85.05,
		},
	}
	if compression != "" {
		root["resourceInfo"] = map[string]interface{}{"tileCompression": compression}
	}
	return mustJSON(t, root)
}

func vectorRootJSON(t *testing.T, minZoom, maxZoom int, compression string) []byte {
	root := map[string]interface{}{
		"tileInfo": map[string]interface{}{
			"format":           "pbf",
			"rows":             512,
			"spatialReference": map[string]interface{}{"latestWkid": 3857},
		},
		"minZoom": minZoom,
		"maxZoom": maxZoom,
		"fullExtent": map[string]interface{}{
			"xmin": -20037508.34, "ymin": -20037508.34, "xmax": 20037508.34, "ymax": 20037508.34,
		},
	}
	if compression != "" {
		root["resourceInfo"] = map[string]interface{}{"tileCompression": compression}
	}
	return mustJSON(t, root)
}

// parentTile builds an MVT payload with one layer holding a point, a line
// and a square, all well inside the tile.
func parentTile(t *testing.T) []byte {
	point := geojson.NewFeature(orb.Point{2048, 2048})
	point.Properties = geojson.Properties{"kind": "point"}
	line := geojson.NewFeature(orb.LineString{{100, 100}, {3900, 3900}})
	line.Properties = geojson.Properties{"kind": "line"}
	square := geojson.NewFeature(orb.Polygon{{{1000, 1000}, {3000, 1000}, {3000, 3000}, {1000, 3000}, {1000, 1000}}})
	square.Properties = geojson.Properties{"kind": "square"}

	layer := &mvt.Layer{
		Name:     "test",
		Version:  2,
		Extent:   4096,
		Features: []*geojson.Feature{point, line, square},
	}
	data, err := mvt.Marshal(mvt.Layers{layer})
	assert.Nil(t, err)
	return data
}

// countingSource wraps a ByteSource and records every range read.
type countingSource struct {
	inner ByteSource
	mu    sync.Mutex
	reads [][2]uint64
}

func (c *countingSource) Size(ctx context.Context) (uint64, error) {
	return c.inner.Size(ctx)
}

func (c *countingSource) ReadRange(ctx context.Context, offset, length uint64, etag string) (RangeResult, error) {
	c.mu.Lock()
	c.reads = append(c.reads, [2]uint64{offset, length})
	c.mu.Unlock()
	return c.inner.ReadRange(ctx, offset, length, etag)
}

func (c *countingSource) countReads(offset, length uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, read := range c.reads {
		if read[0] == offset && read[1] == length {
			count++
		}
	}
	return count
}

func (c *countingSource) totalReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads)
}
