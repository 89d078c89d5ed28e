package tilepackage

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// Show prints a summary of one archive to stdout, or writes a single tile's
// bytes when showTile is set.
func Show(logger *log.Logger, path string, showTile bool, z int, x int, y int) error {
	ctx := context.Background()

	var source ByteSource
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		source = NewHTTPSource(path)
	} else {
		source = FileSource{Path: path}
	}

	archive := NewArchive(source, path, nil, DefaultOptions(), logger)
	header, err := archive.GetHeader(ctx)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if showTile {
		tile, err := archive.GetZxy(ctx, uint8(z), uint32(x), uint32(y))
		if err != nil {
			return err
		}
		if tile == nil {
			fmt.Println("Tile not found in archive.")
			return nil
		}
		os.Stdout.Write(tile.Bytes)
		return nil
	}

	size, err := source.Size(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("package type: %s\n", header.Kind)
	fmt.Printf("total size: %s\n", humanize.Bytes(size))
	if header.Name != "" {
		fmt.Printf("name: %s\n", header.Name)
	}
	if header.Description != "" {
		fmt.Printf("description: %s\n", header.Description)
	}
	if header.Attribution != "" {
		fmt.Printf("attribution: %s\n", header.Attribution)
	}
	fmt.Printf("tile format: %s\n", header.TileFormat)
	fmt.Printf("tile compression: %s\n", header.TileCompression)
	fmt.Printf("tile size: %d\n", header.TileSize)
	if header.SpatialReference != 0 {
		fmt.Printf("spatial reference: %d\n", header.SpatialReference)
	}
	fmt.Printf("min zoom: %d\n", header.MinZoom)
	fmt.Printf("max zoom: %d\n", header.MaxZoom)
	fmt.Printf("bounds: %f,%f %f,%f\n", header.Bounds[0], header.Bounds[1], header.Bounds[2], header.Bounds[3])
	fmt.Printf("indexed pyramid: %t\n", header.Indexed())
	fmt.Printf("archive members: %d\n", len(header.Files))

	bundles := 0
	var bundleBytes uint64
	for name, entry := range header.Files {
		if strings.HasSuffix(name, ".bundle") {
			bundles++
			bundleBytes += entry.Size
		}
	}
	fmt.Printf("bundles: %d (%s)\n", bundles, humanize.Bytes(bundleBytes))

	metadata, err := archive.GetMetadata(ctx)
	if err == nil && metadata != nil {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch v := metadata[k].(type) {
			case string:
				fmt.Println(k, v)
			default:
				fmt.Println(k, "<object...>")
			}
		}
	}
	return nil
}
