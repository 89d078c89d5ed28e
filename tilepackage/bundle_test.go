package tilepackage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBundlePath(t *testing.T) {
	assert.Equal(t, "tile/L05/R0000C0000.bundle", bundlePath(Tpkx, 5, 3, 7))
	assert.Equal(t, "p12/tile/L05/R0000C0000.bundle", bundlePath(Vtpk, 5, 3, 7))
	assert.Equal(t, "p12/tile/L12/R0080C0100.bundle", bundlePath(Vtpk, 12, 300, 200))
	assert.Equal(t, "p12/tile/L14/R1000C0f80.bundle", bundlePath(Vtpk, 14, 4000, 4100))
}

func TestParseBundleDirectory(t *testing.T) {
	bundle := buildBundle(map[tileCoord][]byte{
		{x: 3, y: 7}:     []byte("tile A"),
		{x: 127, y: 127}: []byte("tile B longer"),
	})
	directory, err := parseBundleDirectory(bundle[bundleHeaderSize : bundleHeaderSize+bundleIndexSize])
	assert.Nil(t, err)

	offset, size, ok := directory.Entry(3, 7)
	assert.True(t, ok)
	assert.Equal(t, []byte("tile A"), bundle[offset:offset+uint64(size)])

	offset, size, ok = directory.Entry(127, 127)
	assert.True(t, ok)
	assert.Equal(t, []byte("tile B longer"), bundle[offset:offset+uint64(size)])

	_, _, ok = directory.Entry(0, 0)
	assert.False(t, ok)
}

func TestParseBundleDirectoryModuloAddressing(t *testing.T) {
	// a bundle at block origin (128,128) indexes tile (130,131) at slot (2,3)
	bundle := buildBundle(map[tileCoord][]byte{
		{x: 130, y: 131}: []byte("far tile"),
	})
	directory, err := parseBundleDirectory(bundle[bundleHeaderSize : bundleHeaderSize+bundleIndexSize])
	assert.Nil(t, err)
	offset, size, ok := directory.Entry(130, 131)
	assert.True(t, ok)
	assert.Equal(t, []byte("far tile"), bundle[offset:offset+uint64(size)])
}

func TestParseBundleDirectoryTruncated(t *testing.T) {
	_, err := parseBundleDirectory(make([]byte, 100))
	assert.NotNil(t, err)
}
