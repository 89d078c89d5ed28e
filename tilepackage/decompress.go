package tilepackage

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Decompressor turns stored tile bytes into payload bytes.
type Decompressor func(data []byte) ([]byte, error)

func passthrough(data []byte) ([]byte, error) {
	return data, nil
}

func gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// decompressorFor resolves a tile compression tag from the package
// descriptor. Only "none" and "gzip" are produced by known TilePackage
// writers; anything else fails rather than passing opaque bytes through.
func decompressorFor(tag string) (Decompressor, error) {
	switch tag {
	case "", "none":
		return passthrough, nil
	case "gzip":
		return gunzip, nil
	default:
		return nil, &UnsupportedCompressionError{Tag: tag}
	}
}
