package tilepackage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
)

// Server is an HTTP proxy over a directory, HTTP base or bucket of
// TilePackage archives. Archives are addressed by name; {name}.vtpk is
// preferred over {name}.tpkx when both exist.
type Server struct {
	base      string
	logger    *log.Logger
	cache     *Cache
	cors      string
	publicURL string
	opts      Options
	metrics   *metrics

	mu         sync.Mutex
	archives   map[string]*Archive
	blobBucket *blob.Bucket
}

// NewServer creates a server rooted at base: a local directory, an
// http(s):// prefix, or any bucket URL gocloud can open.
func NewServer(base string, logger *log.Logger, opts Options, cors, publicURL string) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	m := createMetrics("", logger)
	cache := NewCache(opts.MaxCacheEntries, logger)
	cache.metrics = m
	return &Server{
		base:      strings.TrimSuffix(base, "/"),
		logger:    logger,
		cache:     cache,
		cors:      cors,
		publicURL: publicURL,
		opts:      opts,
		metrics:   m,
		archives:  make(map[string]*Archive),
	}, nil
}

// Start launches the shared cache loop.
func (s *Server) Start() {
	s.metrics.initCacheStats(s.cache.maxEntries)
	s.cache.Start()
}

var archiveExtensions = []string{".vtpk", ".tpkx"}

// openSource resolves an archive name against the server base, probing the
// known package extensions.
func (s *Server) openSource(ctx context.Context, name string) (ByteSource, string, error) {
	if strings.HasSuffix(name, ".vtpk") || strings.HasSuffix(name, ".tpkx") {
		return s.openSourceExact(ctx, name)
	}
	var lastErr error
	for _, ext := range archiveExtensions {
		source, key, err := s.openSourceExact(ctx, name+ext)
		if err == nil {
			return source, key, nil
		}
		lastErr = err
	}
	return nil, "", lastErr
}

func (s *Server) openSourceExact(ctx context.Context, key string) (ByteSource, string, error) {
	if strings.HasPrefix(s.base, "http://") || strings.HasPrefix(s.base, "https://") {
		source := NewHTTPSource(s.base + "/" + key)
		if _, err := source.Size(ctx); err != nil {
			return nil, "", err
		}
		return source, key, nil
	}
	if !strings.Contains(s.base, "://") {
		path := filepath.Join(s.base, filepath.FromSlash(key))
		if _, err := os.Stat(path); err != nil {
			return nil, "", err
		}
		return FileSource{Path: path}, key, nil
	}
	s.mu.Lock()
	bucket := s.blobBucket
	s.mu.Unlock()
	if bucket == nil {
		opened, err := blob.OpenBucket(ctx, s.base)
		if err != nil {
			return nil, "", err
		}
		s.mu.Lock()
		if s.blobBucket == nil {
			s.blobBucket = opened
		} else {
			opened.Close()
		}
		bucket = s.blobBucket
		s.mu.Unlock()
	}
	source := BlobSource{Bucket: bucket, Key: key}
	if _, err := source.Size(ctx); err != nil {
		return nil, "", err
	}
	return source, key, nil
}

func (s *Server) archive(ctx context.Context, name string) (*Archive, bool) {
	s.mu.Lock()
	archive, ok := s.archives[name]
	s.mu.Unlock()
	if ok {
		return archive, true
	}
	source, key, err := s.openSource(ctx, name)
	if err != nil {
		s.logger.Printf("archive %s not found: %v", name, err)
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.archives[name]; ok {
		return existing, true
	}
	archive = NewArchive(source, key, s.cache, s.opts, s.logger)
	s.archives[name] = archive
	return archive, true
}

func generateEtag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}

func gzipBody(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}

func (s *Server) getTile(ctx context.Context, httpHeaders map[string]string, name string, z uint8, x, y uint32, ext string) (int, map[string]string, []byte) {
	archive, ok := s.archive(ctx, name)
	if !ok {
		return 404, httpHeaders, []byte("Archive not found")
	}
	header, err := archive.GetHeader(ctx)
	if err != nil {
		if isCanceled(ctx) {
			return 499, httpHeaders, []byte("Canceled")
		}
		s.logger.Printf("failed to read header for %s: %v", name, err)
		return 500, httpHeaders, []byte("I/O Error")
	}
	if ext != header.TileExt() {
		return 400, httpHeaders, []byte(fmt.Sprintf("path mismatch: archive serves .%s tiles", header.TileExt()))
	}
	tile, err := archive.GetZxy(ctx, z, x, y)
	if err != nil {
		if isCanceled(ctx) {
			return 499, httpHeaders, []byte("Canceled")
		}
		s.logger.Printf("failed to fetch tile %s %d/%d/%d: %v", name, z, x, y, err)
		return 500, httpHeaders, []byte("I/O Error")
	}
	if tile == nil {
		return 204, httpHeaders, nil
	}

	body := tile.Bytes
	httpHeaders["Content-Type"] = header.ContentType()
	if ext == "pbf" {
		body = gzipBody(body)
		httpHeaders["Content-Encoding"] = "gzip"
	}
	httpHeaders["ETag"] = generateEtag(body)
	if tile.CacheControl != "" {
		httpHeaders["Cache-Control"] = tile.CacheControl
	}
	if tile.Expires != "" {
		httpHeaders["Expires"] = tile.Expires
	}
	return 200, httpHeaders, body
}

func (s *Server) getTileJSON(ctx context.Context, httpHeaders map[string]string, name string) (int, map[string]string, []byte) {
	archive, ok := s.archive(ctx, name)
	if !ok {
		return 404, httpHeaders, []byte("Archive not found")
	}
	if s.publicURL == "" {
		return 501, httpHeaders, []byte("PUBLIC_URL must be set for TileJSON")
	}
	header, err := archive.GetHeader(ctx)
	if err != nil {
		return 500, httpHeaders, []byte("I/O Error")
	}
	metadata, err := archive.GetMetadata(ctx)
	if err != nil {
		return 500, httpHeaders, []byte("I/O Error")
	}
	tilejsonBytes, err := CreateTileJSON(header, metadata, s.publicURL+"/"+name)
	if err != nil {
		return 500, httpHeaders, []byte("Error generating tilejson")
	}
	httpHeaders["Content-Type"] = "application/json"
	httpHeaders["ETag"] = generateEtag(tilejsonBytes)
	return 200, httpHeaders, tilejsonBytes
}

func (s *Server) getMetadata(ctx context.Context, httpHeaders map[string]string, name string) (int, map[string]string, []byte) {
	archive, ok := s.archive(ctx, name)
	if !ok {
		return 404, httpHeaders, []byte("Archive not found")
	}
	metadata, err := archive.GetMetadata(ctx)
	if err != nil {
		return 500, httpHeaders, []byte("I/O Error")
	}
	if metadata == nil {
		return 404, httpHeaders, []byte("Archive has no metadata")
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return 500, httpHeaders, []byte("I/O Error")
	}
	httpHeaders["Content-Type"] = "application/json"
	httpHeaders["ETag"] = generateEtag(body)
	return 200, httpHeaders, body
}

const styleMember = "p12/resources/styles/root.json"

func (s *Server) getResource(ctx context.Context, httpHeaders map[string]string, name, member string) (int, map[string]string, []byte) {
	archive, ok := s.archive(ctx, name)
	if !ok {
		return 404, httpHeaders, []byte("Archive not found")
	}
	data, err := archive.GetResource(ctx, member)
	if err != nil {
		if isCanceled(ctx) {
			return 499, httpHeaders, []byte("Canceled")
		}
		s.logger.Printf("failed to fetch resource %s from %s: %v", member, name, err)
		return 500, httpHeaders, []byte("I/O Error")
	}
	if data == nil {
		return 404, httpHeaders, []byte("Resource not found")
	}
	httpHeaders["Content-Type"] = resourceContentType(member)
	httpHeaders["ETag"] = generateEtag(data)
	return 200, httpHeaders, data
}

func resourceContentType(member string) string {
	switch {
	case strings.HasSuffix(member, ".json"):
		return "application/json"
	case strings.HasSuffix(member, ".png"):
		return "image/png"
	case strings.HasSuffix(member, ".pbf"):
		return "application/x-protobuf"
	default:
		return "application/octet-stream"
	}
}

var tilePattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\/(\d+)\/(\d+)\/(\d+)\.([a-z]+)$`)
var metadataPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\/metadata$`)
var tileJSONPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\.json$`)
var stylePattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\/style$`)
var resourcePattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\/resources\/([A-Za-z0-9_\-\.\/@]+)$`)

func parseTilePath(path string) (bool, string, uint8, uint32, uint32, string) {
	if res := tilePattern.FindStringSubmatch(path); res != nil {
		name := res[1]
		z, _ := strconv.ParseUint(res[2], 10, 8)
		x, _ := strconv.ParseUint(res[3], 10, 32)
		y, _ := strconv.ParseUint(res[4], 10, 32)
		ext := res[5]
		return true, name, uint8(z), uint32(x), uint32(y), ext
	}
	return false, "", 0, 0, 0, ""
}

func (s *Server) get(ctx context.Context, unsanitizedPath string) (archive, handler string, status int, headers map[string]string, data []byte) {
	headers = make(map[string]string)
	if len(s.cors) > 0 {
		headers["Access-Control-Allow-Origin"] = s.cors
	}

	if ok, key, z, x, y, ext := parseTilePath(unsanitizedPath); ok {
		archive, handler = key, "tile"
		status, headers, data = s.getTile(ctx, headers, key, z, x, y, ext)
	} else if res := tileJSONPattern.FindStringSubmatch(unsanitizedPath); res != nil {
		archive, handler = res[1], "tilejson"
		status, headers, data = s.getTileJSON(ctx, headers, res[1])
	} else if res := metadataPattern.FindStringSubmatch(unsanitizedPath); res != nil {
		archive, handler = res[1], "metadata"
		status, headers, data = s.getMetadata(ctx, headers, res[1])
	} else if res := stylePattern.FindStringSubmatch(unsanitizedPath); res != nil {
		archive, handler = res[1], "style"
		status, headers, data = s.getResource(ctx, headers, res[1], styleMember)
	} else if res := resourcePattern.FindStringSubmatch(unsanitizedPath); res != nil {
		archive, handler = res[1], "resource"
		if strings.Contains(res[2], "..") {
			status, data = 400, []byte("Bad resource path")
		} else {
			status, headers, data = s.getResource(ctx, headers, res[1], "p12/resources/"+res[2])
		}
	} else if unsanitizedPath == "/" {
		handler, status, data = "/", 204, []byte{}
	} else {
		handler, status, data = "404", 404, []byte("Path not found")
	}

	return
}

// Get returns a response for the given path: status code, HTTP headers and
// body.
func (s *Server) Get(ctx context.Context, path string) (int, map[string]string, []byte) {
	tracker := s.metrics.startRequest()
	archive, handler, status, headers, data := s.get(ctx, path)
	tracker.finish(ctx, archive, handler, status, len(data), true)
	return status, headers, data
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// ServeHTTP serves one HTTP request from the archives.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) int {
	tracker := s.metrics.startRequest()
	if r.Method == http.MethodOptions {
		if len(s.cors) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", s.cors)
		}
		w.WriteHeader(204)
		tracker.finish(r.Context(), "", r.Method, 204, 0, false)
		return 204
	} else if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(405)
		tracker.finish(r.Context(), "", r.Method, 405, 0, false)
		return 405
	}
	archive, handler, statusCode, headers, body := s.get(r.Context(), r.URL.Path)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if statusCode == 200 {
		lrw := &loggingResponseWriter{w, 200}
		// handle if-match, if-none-match request headers based on response etag
		http.ServeContent(
			lrw, r,
			"",                // name used to infer content-type, but we've already set that
			time.UnixMilli(0), // ignore setting last-modified time and handling if-modified-since headers
			bytes.NewReader(body),
		)
		statusCode = lrw.statusCode
	} else {
		w.WriteHeader(statusCode)
		w.Write(body)
	}
	tracker.finish(r.Context(), archive, handler, statusCode, len(body), true)

	return statusCode
}
