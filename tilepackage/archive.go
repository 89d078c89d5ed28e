package tilepackage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Options configure one Archive. Use DefaultOptions as the base; the zero
// value disables coverage checking, which is rarely what you want.
type Options struct {
	// CoverageCheck expands the tilemap descriptor of indexed vector
	// packages so missing high-zoom tiles can be synthesized.
	CoverageCheck bool
	// MaxDz caps how many zoom levels a synthesized tile may be below its
	// ancestor; beyond it the tile is reported absent.
	MaxDz uint8
	// MaxDzWarn logs a diagnostic for zoom jumps beyond it.
	MaxDzWarn uint8
	// MaxCacheEntries caps the directory/resource cache.
	MaxCacheEntries int
	// Buffer in tile-extent units retained beyond the edge when clipping.
	Buffer float64
	// IncludeLayers filters subdivided layers by name when set.
	IncludeLayers func(name string) bool
}

// DefaultOptions returns the standard configuration.
func DefaultOptions() Options {
	return Options{
		CoverageCheck:   true,
		MaxDz:           8,
		MaxDzWarn:       4,
		MaxCacheEntries: 100,
		Buffer:          DefaultBuffer,
	}
}

// TileData is one tile's payload bytes plus the caching headers observed
// while reading them.
type TileData struct {
	Bytes        []byte
	CacheControl string
	Expires      string
}

// Archive is a read-only accessor for one TilePackage. All methods are safe
// for concurrent use; reads for the same directory or resource coalesce on
// the shared cache. Every public operation recovers from one mid-session
// archive mutation by re-reading the header and retrying; a second mutation
// during the retry is surfaced as *EtagMismatchError.
type Archive struct {
	source ByteSource
	cache  *Cache
	key    string
	opts   Options
	logger *log.Logger
}

// NewArchive wraps source as an Archive. key is the archive's name and must
// end in .tpkx for raster packages; anything else is treated as a vector
// package. A nil cache gets a private one.
func NewArchive(source ByteSource, key string, cache *Cache, opts Options, logger *log.Logger) *Archive {
	if logger == nil {
		logger = log.Default()
	}
	if cache == nil {
		cache = NewCache(opts.MaxCacheEntries, logger)
		cache.Start()
	}
	if opts.MaxDz == 0 {
		opts.MaxDz = 8
	}
	return &Archive{source: source, cache: cache, key: key, opts: opts, logger: logger}
}

func (a *Archive) headerKey() cacheKey {
	return cacheKey{archive: a.key, kind: kindHeader}
}

func (a *Archive) headerFetch(ctx context.Context) (cachedValue, int) {
	h, err := buildHeader(ctx, a.source, a.key, a.opts.CoverageCheck)
	if err != nil {
		return cachedValue{err: err, badEtag: isEtagMismatch(err)}, 0
	}
	return cachedValue{header: h, etag: h.ETag, ok: true}, h.SizeBytes()
}

// purgeToken turns a stale etag into the non-empty retry marker the cache
// expects; when the stale etag is unknown nothing can match it, but the
// retry still re-runs the failed fetch.
func purgeToken(etag string) string {
	if etag == "" {
		return "*"
	}
	return etag
}

// header resolves the shared Header, returning a purge token instead of a
// value when the archive changed underneath the read.
func (a *Archive) header(ctx context.Context, purgeEtag string) (*Header, string, error) {
	v, err := a.cache.get(ctx, a.headerKey(), purgeEtag, a.headerFetch)
	if err != nil {
		return nil, "", err
	}
	if v.badEtag {
		return nil, purgeToken(v.etag), nil
	}
	if v.err != nil {
		return nil, "", v.err
	}
	return v.header, "", nil
}

// GetHeader returns the archive's decoded header.
func (a *Archive) GetHeader(ctx context.Context) (*Header, error) {
	header, purge, err := a.header(ctx, "")
	if err == nil && purge != "" {
		header, purge, err = a.header(ctx, purge)
		if err == nil && purge != "" {
			return nil, &EtagMismatchError{}
		}
	}
	return header, err
}

// GetZxy returns the tile at (z,x,y), synthesizing it from an ancestor for
// indexed vector packages when necessary. A nil result with nil error means
// the tile is legitimately absent.
func (a *Archive) GetZxy(ctx context.Context, z uint8, x, y uint32) (*TileData, error) {
	tile, purge, err := a.getZxyAttempt(ctx, z, x, y, "")
	if err == nil && purge != "" {
		tile, purge, err = a.getZxyAttempt(ctx, z, x, y, purge)
		if err == nil && purge != "" {
			return nil, &EtagMismatchError{}
		}
	}
	return tile, err
}

func (a *Archive) getZxyAttempt(ctx context.Context, z uint8, x, y uint32, purgeEtag string) (*TileData, string, error) {
	header, purge, err := a.header(ctx, purgeEtag)
	if err != nil || purge != "" {
		return nil, purge, err
	}
	if z < header.MinZoom || z > header.MaxZoom {
		return nil, "", nil
	}
	decompress, err := decompressorFor(header.TileCompression)
	if err != nil {
		return nil, "", err
	}

	tile, purge, err := a.readTile(ctx, header, decompress, z, x, y)
	if err != nil || purge != "" || tile != nil {
		return tile, purge, err
	}
	if !header.Indexed() {
		return nil, "", nil
	}

	az, ax, ay, ok := header.Coverage.Ancestor(z, x, y, header.MinZoom)
	if !ok {
		return nil, "", nil
	}
	if z-az > a.opts.MaxDz {
		return nil, "", nil
	}

	key := tileKey{archive: a.key, z: z, x: x, y: y}
	if cached, ok := a.cache.getSubdivided(key); ok {
		return &TileData{Bytes: cached}, "", nil
	}

	parent, purge, err := a.readTile(ctx, header, decompress, az, ax, ay)
	if err != nil || purge != "" {
		return nil, purge, err
	}
	if parent == nil {
		return nil, "", nil
	}

	out, err := a.cache.subdivide(key, func() ([]byte, error) {
		return Subdivide(parent.Bytes, az, ax, ay, z, x, y, SubdivideOptions{
			Buffer:        a.opts.Buffer,
			IncludeLayers: a.opts.IncludeLayers,
			MaxDzWarn:     a.opts.MaxDzWarn,
			Logger:        a.logger,
		})
	})
	if err != nil {
		// a blank tile beats a broken map; report absent and say why
		a.logger.Printf("subdividing %d/%d/%d from %d/%d/%d failed: %v", z, x, y, az, ax, ay, err)
		return nil, "", nil
	}
	return &TileData{Bytes: out, CacheControl: parent.CacheControl, Expires: parent.Expires}, "", nil
}

// readTile performs the direct bundle lookup for one tile: bundle path,
// cached bundle directory, slab read, decompression. nil without error
// means the tile is not materialized at this level.
func (a *Archive) readTile(ctx context.Context, header *Header, decompress Decompressor, z uint8, x, y uint32) (*TileData, string, error) {
	path := bundlePath(header.Kind, z, x, y)
	entry, ok := header.Files[path]
	if !ok {
		return nil, "", nil
	}

	dirValue, err := a.cache.get(ctx, cacheKey{archive: a.key, etag: header.ETag, path: path, kind: kindTileIndex}, "", func(ctx context.Context) (cachedValue, int) {
		result, err := a.source.ReadRange(ctx, entry.PayloadOffset+bundleHeaderSize, bundleIndexSize, header.ETag)
		if err != nil {
			return cachedValue{err: err, badEtag: isEtagMismatch(err)}, 0
		}
		directory, err := parseBundleDirectory(result.Bytes)
		if err != nil {
			return cachedValue{err: err}, 0
		}
		return cachedValue{directory: directory, etag: header.ETag, ok: true}, directory.SizeBytes()
	})
	if err != nil {
		return nil, "", err
	}
	if dirValue.badEtag {
		return nil, purgeToken(header.ETag), nil
	}
	if dirValue.err != nil {
		return nil, "", dirValue.err
	}

	offset, size, ok := dirValue.directory.Entry(x, y)
	if !ok {
		return nil, "", nil
	}
	// concurrent requests for one tile share a single slab read
	slabKey := cacheKey{archive: a.key, etag: header.ETag, path: fmt.Sprintf("%s:%d:%d", path, offset, size), kind: kindTile}
	slab, err := a.cache.get(ctx, slabKey, "", func(ctx context.Context) (cachedValue, int) {
		result, err := a.source.ReadRange(ctx, entry.PayloadOffset+offset, uint64(size), header.ETag)
		if err != nil {
			return cachedValue{err: err, badEtag: isEtagMismatch(err)}, 0
		}
		return cachedValue{bytes: result.Bytes, cacheControl: result.CacheControl, expires: result.Expires, etag: header.ETag, ok: true}, len(result.Bytes)
	})
	if err != nil {
		return nil, "", err
	}
	if slab.badEtag {
		return nil, purgeToken(header.ETag), nil
	}
	if slab.err != nil {
		return nil, "", slab.err
	}
	payload, err := decompress(slab.bytes)
	if err != nil {
		return nil, "", err
	}
	return &TileData{Bytes: payload, CacheControl: slab.cacheControl, Expires: slab.expires}, "", nil
}

// GetResource returns a named archive member through the cache. A nil
// result with nil error means the archive has no such member.
func (a *Archive) GetResource(ctx context.Context, path string) ([]byte, error) {
	data, purge, err := a.getResourceAttempt(ctx, path, "")
	if err == nil && purge != "" {
		data, purge, err = a.getResourceAttempt(ctx, path, purge)
		if err == nil && purge != "" {
			return nil, &EtagMismatchError{}
		}
	}
	return data, err
}

func (a *Archive) getResourceAttempt(ctx context.Context, path, purgeEtag string) ([]byte, string, error) {
	header, purge, err := a.header(ctx, purgeEtag)
	if err != nil || purge != "" {
		return nil, purge, err
	}
	entry, ok := header.Files[path]
	if !ok {
		return nil, "", nil
	}
	v, err := a.cache.get(ctx, cacheKey{archive: a.key, etag: header.ETag, path: path, kind: kindResource}, "", func(ctx context.Context) (cachedValue, int) {
		result, err := a.source.ReadRange(ctx, entry.PayloadOffset, entry.Size, header.ETag)
		if err != nil {
			return cachedValue{err: err, badEtag: isEtagMismatch(err)}, 0
		}
		return cachedValue{bytes: result.Bytes, cacheControl: result.CacheControl, expires: result.Expires, etag: header.ETag, ok: true}, len(result.Bytes)
	})
	if err != nil {
		return nil, "", err
	}
	if v.badEtag {
		return nil, purgeToken(header.ETag), nil
	}
	if v.err != nil {
		return nil, "", v.err
	}
	return v.bytes, "", nil
}

// GetMetadata decodes a vector package's metadata document, augmented with
// the package name. Raster packages and vector packages without metadata
// return nil.
func (a *Archive) GetMetadata(ctx context.Context) (map[string]interface{}, error) {
	header, err := a.GetHeader(ctx)
	if err != nil {
		return nil, err
	}
	if header.Metadata == nil {
		return nil, nil
	}
	data, err := a.GetResource(ctx, "p12/metadata.json")
	if err != nil || data == nil {
		return nil, err
	}
	var metadata map[string]interface{}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, err
	}
	metadata["name"] = header.Name
	return metadata, nil
}

// ContentType maps the archive's tile format onto a media type.
func (h *Header) ContentType() string {
	switch h.TileFormat {
	case "pbf":
		return "application/x-protobuf"
	case "png":
		return "image/png"
	case "jpg", "jpeg", "mixed":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// TileExt is the URL extension tiles of this archive are served under.
func (h *Header) TileExt() string {
	if h.Kind == Vtpk || h.TileFormat == "pbf" {
		return "pbf"
	}
	switch h.TileFormat {
	case "jpg", "jpeg", "mixed":
		return "jpg"
	case "webp":
		return "webp"
	default:
		return "png"
	}
}
