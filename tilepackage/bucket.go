package tilepackage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"gocloud.dev/blob"
)

// RangeResult is one range read from a ByteSource, along with the caching
// headers the origin supplied for it.
type RangeResult struct {
	Bytes        []byte
	ETag         string
	CacheControl string
	Expires      string
}

// ByteSource is a random-access reader over a single archive.
//
// ReadRange must tolerate concurrent overlapping reads. When the caller
// supplies a prior etag and the source observes a different one, ReadRange
// fails with *EtagMismatchError; the cache layer uses that signal to
// invalidate and retry exactly once.
type ByteSource interface {
	Size(ctx context.Context) (uint64, error)
	ReadRange(ctx context.Context, offset, length uint64, etag string) (RangeResult, error)
}

type memorySource struct {
	data []byte
}

func (m memorySource) Size(_ context.Context) (uint64, error) {
	return uint64(len(m.data)), nil
}

func (m memorySource) ReadRange(_ context.Context, offset, length uint64, etag string) (RangeResult, error) {
	hash := md5.Sum(m.data)
	resultEtag := hex.EncodeToString(hash[:])
	if len(etag) > 0 && resultEtag != etag {
		return RangeResult{}, &EtagMismatchError{}
	}
	if offset+length > uint64(len(m.data)) {
		return RangeResult{}, &EtagMismatchError{StatusCode: 416}
	}
	return RangeResult{Bytes: m.data[offset : offset+length], ETag: resultEtag}, nil
}

// FileSource reads an archive from local disk. It is stateless; the etag is
// derived from the file's modification time and size so a swapped archive is
// detected the same way a remote one would be.
type FileSource struct {
	Path string
}

func (b FileSource) Size(_ context.Context) (uint64, error) {
	info, err := os.Stat(b.Path)
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func (b FileSource) ReadRange(_ context.Context, offset, length uint64, etag string) (RangeResult, error) {
	file, err := os.Open(b.Path)
	if err != nil {
		return RangeResult{}, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return RangeResult{}, err
	}
	modInfo := fmt.Sprintf("%d %d", info.ModTime().UnixNano(), info.Size())
	hash := md5.Sum([]byte(modInfo))
	newEtag := fmt.Sprintf(`"%s"`, hex.EncodeToString(hash[:]))
	if len(etag) > 0 && etag != newEtag {
		return RangeResult{}, &EtagMismatchError{}
	}
	result := make([]byte, length)
	read, err := file.ReadAt(result, int64(offset))
	if err != nil {
		return RangeResult{}, err
	}
	if read != int(length) {
		return RangeResult{}, fmt.Errorf("expected to read %d bytes but only read %d", length, read)
	}
	return RangeResult{Bytes: result, ETag: newEtag}, nil
}

// HTTPClient lets you swap out the default client with a mock one in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource reads an archive over HTTP range requests. The server must
// support byte ranges; strong etags are surfaced on every response so the
// cache layer can detect mid-session archive mutation. After a mismatch the
// source requests uncached data until a fresh read succeeds.
type HTTPSource struct {
	URL    string
	Client HTTPClient

	mustReload atomic.Bool
	sizeOnce   sync.Once
	size       uint64
	sizeErr    error
}

// NewHTTPSource creates an HTTPSource using the default HTTP client.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{URL: url, Client: http.DefaultClient}
}

// Size discovers the archive size with a 5-byte range probe, parsing the
// Content-Range total, and falls back to a HEAD request when the server
// omits Content-Range.
func (b *HTTPSource) Size(ctx context.Context) (uint64, error) {
	b.sizeOnce.Do(func() {
		b.size, b.sizeErr = b.probeSize(ctx)
	})
	return b.size, b.sizeErr
}

func (b *HTTPSource) probeSize(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-4")
	resp, err := b.Client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
		return total, nil
	}
	head, err := http.NewRequestWithContext(ctx, http.MethodHead, b.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err = b.Client.Do(head)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0, fmt.Errorf("cannot determine archive size: HTTP %d", resp.StatusCode)
	}
	return uint64(resp.ContentLength), nil
}

func (b *HTTPSource) ReadRange(ctx context.Context, offset, length uint64, etag string) (RangeResult, error) {
	result, total, err := b.readRangeOnce(ctx, offset, length, etag)
	if total > 0 {
		// the 416 told us the authoritative size; retry once within it
		if offset+length > total {
			length = total - offset
		}
		result, _, err = b.readRangeOnce(ctx, offset, length, etag)
	}
	return result, err
}

// readRangeOnce returns a non-zero total when the read should be retried
// against that authoritative archive size.
func (b *HTTPSource) readRangeOnce(ctx context.Context, offset, length uint64, etag string) (RangeResult, uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return RangeResult{}, 0, err
	}
	end := offset + length - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, end))
	if b.mustReload.Load() {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return RangeResult{}, 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// A full-body response only permits random access when the server
		// declares an exact length for it.
		if resp.ContentLength < 0 || uint64(resp.ContentLength) > length {
			io.Copy(io.Discard, resp.Body)
			return RangeResult{}, 0, fmt.Errorf("range request returned 200 with unusable Content-Length %d", resp.ContentLength)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// A 416 with "bytes */N" is authoritative for the archive size;
		// retry the read once against it.
		io.Copy(io.Discard, resp.Body)
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok && offset < total {
			return RangeResult{}, total, nil
		}
		return RangeResult{}, 0, &EtagMismatchError{StatusCode: resp.StatusCode}
	case http.StatusPreconditionFailed:
		io.Copy(io.Discard, resp.Body)
		b.mustReload.Store(true)
		return RangeResult{}, 0, &EtagMismatchError{StatusCode: resp.StatusCode}
	default:
		io.Copy(io.Discard, resp.Body)
		return RangeResult{}, 0, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	newEtag := strongEtag(resp.Header.Get("ETag"))
	if len(etag) > 0 && len(newEtag) > 0 && etag != newEtag {
		b.mustReload.Store(true)
		return RangeResult{}, 0, &EtagMismatchError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RangeResult{}, 0, err
	}
	if uint64(len(body)) > length {
		body = body[:length]
	}
	b.mustReload.Store(false)
	return RangeResult{
		Bytes:        body,
		ETag:         newEtag,
		CacheControl: resp.Header.Get("Cache-Control"),
		Expires:      resp.Header.Get("Expires"),
	}, 0, nil
}

// strongEtag strips the weak validator prefix so etags compare stably
// across servers that toggle weakness on conditional responses.
func strongEtag(etag string) string {
	return strings.TrimPrefix(etag, "W/")
}

// parseContentRangeTotal extracts N from "bytes start-end/N" or "bytes */N".
func parseContentRangeTotal(header string) (uint64, bool) {
	if !strings.HasPrefix(header, "bytes ") {
		return 0, false
	}
	slash := strings.IndexByte(header, '/')
	if slash < 0 {
		return 0, false
	}
	total, err := strconv.ParseUint(header[slash+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

// BlobSource adapts a gocloud bucket object to a ByteSource so archives can
// be read out of S3, GCS or Azure without a fronting HTTP server.
type BlobSource struct {
	Bucket *blob.Bucket
	Key    string
}

func (b BlobSource) Size(ctx context.Context) (uint64, error) {
	attrs, err := b.Bucket.Attributes(ctx, b.Key)
	if err != nil {
		return 0, err
	}
	return uint64(attrs.Size), nil
}

func (b BlobSource) ReadRange(ctx context.Context, offset, length uint64, etag string) (RangeResult, error) {
	attrs, err := b.Bucket.Attributes(ctx, b.Key)
	if err != nil {
		return RangeResult{}, err
	}
	newEtag := strongEtag(attrs.ETag)
	if len(etag) > 0 && len(newEtag) > 0 && etag != newEtag {
		return RangeResult{}, &EtagMismatchError{}
	}
	reader, err := b.Bucket.NewRangeReader(ctx, b.Key, int64(offset), int64(length), nil)
	if err != nil {
		return RangeResult{}, err
	}
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		return RangeResult{}, err
	}
	return RangeResult{Bytes: body, ETag: newEtag, CacheControl: attrs.CacheControl}, nil
}
