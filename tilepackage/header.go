package tilepackage

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
)

// PackageType distinguishes raster (tpkx) from vector (vtpk) archives.
type PackageType uint8

const (
	Tpkx PackageType = iota
	Vtpk
)

func (t PackageType) String() string {
	if t == Vtpk {
		return "vtpk"
	}
	return "tpkx"
}

// Header is the decoded description of one TilePackage archive. It is built
// once per archive (per etag) and never mutated afterwards.
type Header struct {
	Kind             PackageType
	Name             string
	Description      string
	Attribution      string
	Version          string
	SpatialReference int
	TileCompression  string
	TileFormat       string
	TileSize         int
	MinZoom          uint8
	MaxZoom          uint8
	Bounds           [4]float64
	Files            map[string]FileEntry
	Coverage         *CoverageMap
	ETag             string
	Metadata         *FileEntry
}

// Indexed reports whether the archive carries a sparse pyramid whose missing
// tiles may be synthesized from an ancestor.
func (h *Header) Indexed() bool {
	return h.Kind == Vtpk && h.Coverage != nil
}

// SizeBytes is a coarse footprint estimate for cache accounting.
func (h *Header) SizeBytes() int {
	return 256 + 64*len(h.Files)
}

func readMember(ctx context.Context, source ByteSource, files map[string]FileEntry, path, etag string) ([]byte, error) {
	entry, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("archive member %s not found", path)
	}
	result, err := source.ReadRange(ctx, entry.PayloadOffset, entry.Size, etag)
	if err != nil {
		return nil, err
	}
	return result.Bytes, nil
}

// buildHeader reads the archive's descriptor members and assembles the
// Header. The etag observed on the first read is held against every
// subsequent read so a mid-build archive swap surfaces as EtagMismatch.
func buildHeader(ctx context.Context, source ByteSource, archiveKey string, coverageCheck bool) (*Header, error) {
	files, etag, err := readArchiveIndex(ctx, source, "")
	if err != nil {
		return nil, err
	}
	h := &Header{
		Files:           files,
		ETag:            etag,
		TileCompression: "none",
		TileSize:        256,
	}
	if strings.HasSuffix(strings.ToLower(archiveKey), ".tpkx") {
		err = buildRasterHeader(ctx, source, h)
	} else {
		err = buildVectorHeader(ctx, source, h, coverageCheck)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func buildRasterHeader(ctx context.Context, source ByteSource, h *Header) error {
	rootBytes, err := readMember(ctx, source, h.Files, "root.json", h.ETag)
	if err != nil {
		return err
	}
	var root map[string]interface{}
	if err := json.Unmarshal(rootBytes, &root); err != nil {
		return fmt.Errorf("parsing root.json: %w", err)
	}
	applyRootDescriptor(h, root)

	if itemBytes, err := readMember(ctx, source, h.Files, "iteminfo.json", h.ETag); err == nil {
		var item map[string]interface{}
		if json.Unmarshal(itemBytes, &item) == nil {
			applyItemInfo(h, item)
		}
	} else if isEtagMismatch(err) {
		return err
	}
	return nil
}

func buildVectorHeader(ctx context.Context, source ByteSource, h *Header, coverageCheck bool) error {
	rootBytes, err := readMember(ctx, source, h.Files, "p12/root.json", h.ETag)
	if err != nil {
		return err
	}
	var root map[string]interface{}
	if err := json.Unmarshal(rootBytes, &root); err != nil {
		return fmt.Errorf("parsing p12/root.json: %w", err)
	}
	applyRootDescriptor(h, root)

	if itemBytes, err := readMember(ctx, source, h.Files, "esriinfo/iteminfo.xml", h.ETag); err == nil {
		if item, err := parseElementTree(itemBytes); err == nil {
			applyItemInfo(h, item)
		}
	} else if isEtagMismatch(err) {
		return err
	}

	if entry, ok := h.Files["p12/metadata.json"]; ok {
		h.Metadata = &entry
	}

	if coverageCheck && h.Kind == Vtpk {
		if tilemapBytes, err := readMember(ctx, source, h.Files, "p12/tilemap/root.json", h.ETag); err == nil {
			var tilemap struct {
				Index interface{} `json:"index"`
			}
			if json.Unmarshal(tilemapBytes, &tilemap) == nil && tilemap.Index != nil {
				h.Coverage = parseTilemapIndex(tilemap.Index)
			}
		} else if isEtagMismatch(err) {
			return err
		}
	}
	return nil
}

// applyRootDescriptor pulls the shared tile scheme fields out of root.json.
// The descriptor is producer-dependent JSON, so every field is optional and
// extracted defensively.
func applyRootDescriptor(h *Header, root map[string]interface{}) {
	tileInfo := mapValue(root, "tileInfo")
	if format, ok := stringValue(tileInfo, "format"); ok {
		h.Kind = Vtpk
		h.TileFormat = format
	} else {
		h.Kind = Tpkx
		if format, ok := stringValue(mapValue(root, "tileImageInfo"), "format"); ok {
			h.TileFormat = format
		} else {
			h.TileFormat = "png"
		}
	}
	if compression, ok := stringValue(mapValue(root, "resourceInfo"), "tileCompression"); ok {
		h.TileCompression = compression
	}
	if wkid, ok := numberValue(mapValue(tileInfo, "spatialReference"), "latestWkid"); ok {
		h.SpatialReference = int(wkid)
	}
	if rows, ok := numberValue(tileInfo, "rows"); ok {
		h.TileSize = int(rows)
	}
	if minZoom, ok := numberValue(root, "minZoom"); ok {
		h.MinZoom = uint8(minZoom)
		if maxZoom, ok := numberValue(root, "maxZoom"); ok {
			h.MaxZoom = uint8(maxZoom)
		}
	} else if minLOD, ok := numberValue(root, "minLOD"); ok {
		h.MinZoom = uint8(minLOD)
		if maxLOD, ok := numberValue(root, "maxLOD"); ok {
			h.MaxZoom = uint8(maxLOD)
		}
	}
	extent := mapValue(root, "extent")
	if extent == nil {
		extent = mapValue(root, "fullExtent")
	}
	keys := [4]string{"xmin", "ymin", "xmax", "ymax"}
	for i, key := range keys {
		if v, ok := numberValue(extent, key); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			h.Bounds[i] = v
		}
	}
	if name, ok := stringValue(root, "name"); ok {
		h.Name = name
	}
}

func applyItemInfo(h *Header, item map[string]interface{}) {
	if title, ok := stringValue(item, "title"); ok && title != "" {
		h.Name = title
	}
	if desc, ok := stringValue(item, "description"); ok && desc != "" {
		h.Description = desc
	} else if snippet, ok := stringValue(item, "snippet"); ok {
		h.Description = snippet
	}
	if attribution, ok := stringValue(item, "accessinformation"); ok {
		h.Attribution = attribution
	} else if attribution, ok := stringValue(item, "accessInformation"); ok {
		h.Attribution = attribution
	}
	if version, ok := stringValue(item, "version"); ok {
		h.Version = version
	}
}

func mapValue(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	child, _ := m[key].(map[string]interface{})
	return child
}

func stringValue(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

func numberValue(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	n, ok := m[key].(float64)
	return n, ok
}

// parseElementTree decodes an XML document into a nested mapping. Elements
// whose only content is text collapse into their string; repeated child
// names accumulate into a slice.
func parseElementTree(data []byte) (map[string]interface{}, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		if _, ok := tok.(xml.StartElement); ok {
			value, err := decodeElement(decoder)
			if err != nil {
				return nil, err
			}
			if m, ok := value.(map[string]interface{}); ok {
				return m, nil
			}
			return map[string]interface{}{}, nil
		}
	}
}

func decodeElement(decoder *xml.Decoder) (interface{}, error) {
	children := make(map[string]interface{})
	var text strings.Builder
	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(decoder)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			if existing, ok := children[name]; ok {
				if slice, ok := existing.([]interface{}); ok {
					children[name] = append(slice, child)
				} else {
					children[name] = []interface{}{existing, child}
				}
			} else {
				children[name] = child
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) == 0 {
				return strings.TrimSpace(text.String()), nil
			}
			return children, nil
		}
	}
	return children, nil
}
