package tilepackage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type clientMock struct {
	requests  []*http.Request
	responses []*http.Response
}

func (c *clientMock) Do(req *http.Request) (*http.Response, error) {
	c.requests = append(c.requests, req)
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func httpResponse(status int, body string, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: h}
}

func TestHTTPSourceRangeRead(t *testing.T) {
	mock := &clientMock{responses: []*http.Response{
		httpResponse(206, "abc", map[string]string{"ETag": `"v1"`}),
	}}
	source := &HTTPSource{URL: "http://tiles.example.com/test.vtpk", Client: mock}
	result, err := source.ReadRange(context.Background(), 100, 3, "")
	assert.Nil(t, err)
	assert.Equal(t, "bytes=100-102", mock.requests[0].Header.Get("Range"))
	assert.Equal(t, []byte("abc"), result.Bytes)
	assert.Equal(t, `"v1"`, result.ETag)
}

func TestHTTPSourceStripsWeakEtag(t *testing.T) {
	mock := &clientMock{responses: []*http.Response{
		httpResponse(206, "abc", map[string]string{"ETag": `W/"v1"`}),
	}}
	source := &HTTPSource{URL: "http://tiles.example.com/test.vtpk", Client: mock}
	result, err := source.ReadRange(context.Background(), 0, 3, "")
	assert.Nil(t, err)
	assert.Equal(t, `"v1"`, result.ETag)
}

func TestHTTPSourceEtagMismatch(t *testing.T) {
	mock := &clientMock{responses: []*http.Response{
		httpResponse(206, "abc", map[string]string{"ETag": `"v2"`}),
		httpResponse(206, "abc", map[string]string{"ETag": `"v2"`}),
	}}
	source := &HTTPSource{URL: "http://tiles.example.com/test.vtpk", Client: mock}
	_, err := source.ReadRange(context.Background(), 0, 3, `"v1"`)
	var mismatch *EtagMismatchError
	assert.ErrorAs(t, err, &mismatch)

	// subsequent reads ask for uncached data
	_, err = source.ReadRange(context.Background(), 0, 3, "")
	assert.Nil(t, err)
	assert.Equal(t, "no-cache", mock.requests[1].Header.Get("Cache-Control"))
}

func TestHTTPSourceRejects200WithoutLength(t *testing.T) {
	resp := httpResponse(200, "abcdef", nil)
	resp.ContentLength = -1
	mock := &clientMock{responses: []*http.Response{resp}}
	source := &HTTPSource{URL: "http://tiles.example.com/test.vtpk", Client: mock}
	_, err := source.ReadRange(context.Background(), 0, 3, "")
	assert.NotNil(t, err)
}

func TestHTTPSourceSizeFromContentRange(t *testing.T) {
	mock := &clientMock{responses: []*http.Response{
		httpResponse(206, "abcde", map[string]string{"Content-Range": "bytes 0-4/12345"}),
	}}
	source := &HTTPSource{URL: "http://tiles.example.com/test.vtpk", Client: mock}
	size, err := source.Size(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, uint64(12345), size)
	assert.Equal(t, "bytes=0-4", mock.requests[0].Header.Get("Range"))
}

func TestHTTPSourceSizeHeadFallback(t *testing.T) {
	head := httpResponse(200, "", nil)
	head.ContentLength = 777
	mock := &clientMock{responses: []*http.Response{
		httpResponse(200, "abcde", nil),
		head,
	}}
	source := &HTTPSource{URL: "http://tiles.example.com/test.vtpk", Client: mock}
	size, err := source.Size(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, uint64(777), size)
	assert.Equal(t, http.MethodHead, mock.requests[1].Method)
}

func TestHTTPSource416RetriesWithAuthoritativeSize(t *testing.T) {
	mock := &clientMock{responses: []*http.Response{
		httpResponse(416, "", map[string]string{"Content-Range": "bytes */500"}),
		httpResponse(206, "xy", map[string]string{"ETag": `"v1"`}),
	}}
	source := &HTTPSource{URL: "http://tiles.example.com/test.vtpk", Client: mock}
	result, err := source.ReadRange(context.Background(), 100, 2, "")
	assert.Nil(t, err)
	assert.Equal(t, []byte("xy"), result.Bytes)
	assert.Len(t, mock.requests, 2)
}

func TestHTTPSourceAgainstRealServer(t *testing.T) {
	content := []byte("0123456789abcdef")
	var mu sync.Mutex
	etag := `"one"`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		currentEtag := etag
		mu.Unlock()
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("ETag", currentEtag)
			w.WriteHeader(200)
			w.Write(content)
			return
		}
		var start, end int
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if end >= len(content) {
			end = len(content) - 1
		}
		w.Header().Set("ETag", currentEtag)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(206)
		w.Write(content[start : end+1])
	}))
	defer server.Close()

	source := NewHTTPSource(server.URL)
	size, err := source.Size(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, uint64(len(content)), size)

	result, err := source.ReadRange(context.Background(), 4, 4, "")
	assert.Nil(t, err)
	assert.Equal(t, []byte("4567"), result.Bytes)
	assert.Equal(t, `"one"`, result.ETag)

	mu.Lock()
	etag = `"two"`
	mu.Unlock()
	_, err = source.ReadRange(context.Background(), 4, 4, `"one"`)
	var mismatch *EtagMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestFileSourceReadsAndEtags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.tpkx")
	assert.Nil(t, os.WriteFile(path, []byte("0123456789"), 0644))

	source := FileSource{Path: path}
	size, err := source.Size(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, uint64(10), size)

	result, err := source.ReadRange(context.Background(), 2, 3, "")
	assert.Nil(t, err)
	assert.Equal(t, []byte("234"), result.Bytes)
	assert.NotEmpty(t, result.ETag)

	_, err = source.ReadRange(context.Background(), 2, 3, result.ETag)
	assert.Nil(t, err)

	_, err = source.ReadRange(context.Background(), 2, 3, `"stale"`)
	var mismatch *EtagMismatchError
	assert.ErrorAs(t, err, &mismatch)
}
