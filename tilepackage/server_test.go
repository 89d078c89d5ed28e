package tilepackage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
)

func TestParseTilePaths(t *testing.T) {
	ok, key, z, x, y, ext := parseTilePath("/foo/0/0/0")
	assert.False(t, ok)
	ok, key, z, x, y, ext = parseTilePath("/foo/5/3/7.pbf")
	assert.True(t, ok)
	assert.Equal(t, "foo", key)
	assert.Equal(t, uint8(5), z)
	assert.Equal(t, uint32(3), x)
	assert.Equal(t, uint32(7), y)
	assert.Equal(t, "pbf", ext)
	ok, key, _, _, _, _ = parseTilePath("/foo/bar/0/0/0.jpg")
	assert.True(t, ok)
	assert.Equal(t, "foo/bar", key)

	res := metadataPattern.FindStringSubmatch("/foo/metadata")
	assert.NotNil(t, res)
	assert.Equal(t, "foo", res[1])
	res = tileJSONPattern.FindStringSubmatch("/foo.json")
	assert.NotNil(t, res)
	res = stylePattern.FindStringSubmatch("/foo/style")
	assert.NotNil(t, res)
	res = resourcePattern.FindStringSubmatch("/foo/resources/sprites/sprite@2x.png")
	assert.NotNil(t, res)
	assert.Equal(t, "sprites/sprite@2x.png", res[2])
}

func newTestServer(t *testing.T, files map[string][]byte) *Server {
	dir := t.TempDir()
	for name, data := range files {
		assert.Nil(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
	}
	server, err := NewServer(dir, nil, DefaultOptions(), "*", "tiles.example.com")
	assert.Nil(t, err)
	server.Start()
	return server
}

func TestServerMissingArchive(t *testing.T) {
	server := newTestServer(t, nil)
	status, _, _ := server.Get(context.Background(), "/")
	assert.Equal(t, 204, status)
	status, _, _ = server.Get(context.Background(), "/archive/0/0/0.pbf")
	assert.Equal(t, 404, status)
	status, _, _ = server.Get(context.Background(), "/archive.json")
	assert.Equal(t, 404, status)
	status, _, _ = server.Get(context.Background(), "/nowhere")
	assert.Equal(t, 404, status)
}

func TestServerServesRasterTiles(t *testing.T) {
	tile := []byte("jpeg tile")
	server := newTestServer(t, map[string][]byte{
		"imagery.tpkx": buildRasterArchive(t, map[tileCoord][]byte{{x: 3, y: 7}: tile}),
	})

	status, headers, body := server.Get(context.Background(), "/imagery/5/3/7.jpg")
	assert.Equal(t, 200, status)
	assert.Equal(t, "image/jpeg", headers["Content-Type"])
	assert.Equal(t, tile, body)
	assert.NotEmpty(t, headers["ETag"])
	assert.Equal(t, "*", headers["Access-Control-Allow-Origin"])

	// extension must match the archive's tile format
	status, _, _ = server.Get(context.Background(), "/imagery/5/3/7.pbf")
	assert.Equal(t, 400, status)

	// absent tile is a 204, not an error
	status, _, _ = server.Get(context.Background(), "/imagery/5/0/0.jpg")
	assert.Equal(t, 204, status)
}

func TestServerServesVectorTiles(t *testing.T) {
	parent := parentTile(t)
	server := newTestServer(t, map[string][]byte{
		"streets.vtpk": buildVectorArchive(t, parent),
	})

	status, headers, body := server.Get(context.Background(), "/streets/4/2/3.pbf")
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/x-protobuf", headers["Content-Type"])
	assert.Equal(t, "gzip", headers["Content-Encoding"])

	reader, err := gzip.NewReader(bytes.NewReader(body))
	assert.Nil(t, err)
	decoded, err := io.ReadAll(reader)
	assert.Nil(t, err)
	assert.Equal(t, parent, decoded)

	// an overzoomed tile is synthesized on the fly
	status, _, body = server.Get(context.Background(), "/streets/5/4/6.pbf")
	assert.Equal(t, 200, status)
	assert.NotEmpty(t, body)
}

func TestServerTileJSONAndMetadata(t *testing.T) {
	server := newTestServer(t, map[string][]byte{
		"streets.vtpk": buildVectorArchive(t, parentTile(t)),
	})

	status, headers, body := server.Get(context.Background(), "/streets.json")
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/json", headers["Content-Type"])
	var tilejson map[string]interface{}
	assert.Nil(t, json.Unmarshal(body, &tilejson))
	assert.Equal(t, "3.0.0", tilejson["tilejson"])
	assert.Equal(t, []interface{}{"tiles.example.com/streets/{z}/{x}/{y}.pbf"}, tilejson["tiles"])
	assert.NotNil(t, tilejson["vector_layers"])

	status, _, body = server.Get(context.Background(), "/streets/metadata")
	assert.Equal(t, 200, status)
	var metadata map[string]interface{}
	assert.Nil(t, json.Unmarshal(body, &metadata))
	assert.NotNil(t, metadata["vector_layers"])
}

func TestServerServesStyleResources(t *testing.T) {
	style := mustJSON(t, map[string]interface{}{"version": 8})
	sprite := []byte{0x89, 0x50, 0x4e, 0x47}
	server := newTestServer(t, map[string][]byte{
		"styled.vtpk": buildZip(t, []fixtureFile{
			{name: "p12/root.json", data: vectorRootJSON(t, 0, 14, "")},
			{name: "p12/resources/styles/root.json", data: style},
			{name: "p12/resources/sprites/sprite.png", data: sprite},
		}, false),
	})

	status, headers, body := server.Get(context.Background(), "/styled/style")
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, style, body)

	status, headers, body = server.Get(context.Background(), "/styled/resources/sprites/sprite.png")
	assert.Equal(t, 200, status)
	assert.Equal(t, "image/png", headers["Content-Type"])
	assert.Equal(t, sprite, body)

	status, _, _ = server.Get(context.Background(), "/styled/resources/fonts/Arial/0-255.pbf")
	assert.Equal(t, 404, status)
}
