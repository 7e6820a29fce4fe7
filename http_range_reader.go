package cogops

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/valyala/fasthttp"
)

// Default read-ahead buffer size (64KB). Header and IFD reads are small and
// clustered, so one window usually serves several of them.
const defaultReadAheadSize = 64 * 1024

// HTTPRangeReader reads a remote file through HTTP range requests. It
// implements io.ReaderAt, safe for concurrent use, and io.ReadSeeker for
// sequential consumers. Small reads fetch a read-ahead window that later
// reads are served from.
type HTTPRangeReader struct {
	url    string
	client *fasthttp.Client
	size   int64

	mu  sync.Mutex
	pos int64

	buffer        []byte
	bufferStart   int64 // file offset of buffer[0], -1 when empty
	readAheadSize int
}

// NewHTTPRangeReader creates a reader for url and discovers the file size.
// A nil client uses a default fasthttp client.
func NewHTTPRangeReader(url string, client *fasthttp.Client) (*HTTPRangeReader, error) {
	return NewHTTPRangeReaderWithReadAhead(url, client, defaultReadAheadSize)
}

// NewHTTPRangeReaderWithReadAhead creates a reader with a custom read-ahead
// window. A size <= 0 disables read-ahead.
func NewHTTPRangeReaderWithReadAhead(url string, client *fasthttp.Client, readAheadSize int) (*HTTPRangeReader, error) {
	if client == nil {
		client = &fasthttp.Client{}
	}
	rr := &HTTPRangeReader{
		url:           url,
		client:        client,
		bufferStart:   -1,
		readAheadSize: max(readAheadSize, 0),
	}
	size, err := rr.getSize()
	if err != nil {
		return nil, fmt.Errorf("failed to get size of %s: %w", url, err)
	}
	rr.size = size
	return rr, nil
}

// getSize asks for the file size with a HEAD request and falls back to a
// one byte ranged GET for servers that do not report a length on HEAD.
func (rr *HTTPRangeReader) getSize() (int64, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := rr.client.Do(req, resp); err != nil {
		return 0, err
	}
	if resp.StatusCode() == fasthttp.StatusOK {
		if n := resp.Header.ContentLength(); n > 0 {
			return int64(n), nil
		}
	}

	req.Reset()
	resp.Reset()
	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetByteRange(0, 0)
	if err := rr.client.Do(req, resp); err != nil {
		return 0, err
	}
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
		return parseContentRangeSize(resp.Header.Peek(fasthttp.HeaderContentRange))
	case fasthttp.StatusOK:
		return int64(len(resp.Body())), nil
	}
	return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
}

// parseContentRangeSize reads the complete length from "bytes 0-0/1234".
func parseContentRangeSize(h []byte) (int64, error) {
	i := bytes.LastIndexByte(h, '/')
	if i < 0 || string(h[i+1:]) == "*" {
		return 0, fmt.Errorf("no size in Content-Range %q", h)
	}
	n, err := strconv.ParseInt(string(h[i+1:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q: %w", h, err)
	}
	return n, nil
}

// ReadAt reads len(p) bytes at off. It returns io.EOF when the read
// reaches the end of the file.
func (rr *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if off >= rr.size {
		return 0, io.EOF
	}
	want := p
	if rem := rr.size - off; int64(len(want)) > rem {
		want = want[:rem]
	}

	if n, ok := rr.fromBuffer(want, off); ok {
		return rr.eof(n, len(p))
	}

	if len(want) >= rr.readAheadSize {
		data, err := rr.fetchRange(off, off+int64(len(want))-1)
		if err != nil {
			return 0, err
		}
		return rr.eof(copy(want, data), len(p))
	}

	end := min(off+int64(rr.readAheadSize), rr.size) - 1
	data, err := rr.fetchRange(off, end)
	if err != nil {
		return 0, err
	}
	rr.mu.Lock()
	rr.buffer, rr.bufferStart = data, off
	rr.mu.Unlock()
	return rr.eof(copy(want, data), len(p))
}

func (rr *HTTPRangeReader) eof(n, want int) (int, error) {
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// fromBuffer serves p from the read-ahead window when it covers the range.
func (rr *HTTPRangeReader) fromBuffer(p []byte, off int64) (int, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.bufferStart < 0 || off < rr.bufferStart || off+int64(len(p)) > rr.bufferStart+int64(len(rr.buffer)) {
		return 0, false
	}
	return copy(p, rr.buffer[off-rr.bufferStart:]), true
}

// Read reads from the current position.
func (rr *HTTPRangeReader) Read(p []byte) (int, error) {
	rr.mu.Lock()
	pos := rr.pos
	rr.mu.Unlock()

	n, err := rr.ReadAt(p, pos)
	if n > 0 && err == io.EOF {
		err = nil
	}

	rr.mu.Lock()
	rr.pos = pos + int64(n)
	rr.mu.Unlock()
	return n, err
}

// fetchRange fetches the inclusive byte range [start, end].
func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.SetByteRange(int(start), int(end))

	if err := rr.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("failed to fetch bytes %d-%d: %w", start, end, err)
	}

	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// The server ignored the range and sent the whole file.
		if int64(len(body)) <= start {
			return nil, io.EOF
		}
		body = body[start:min(end+1, int64(len(body)))]
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	// Copy body since response will be released
	return append([]byte(nil), body...), nil
}

// Seek sets the offset for the next Read.
func (rr *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = rr.pos + offset
	case io.SeekEnd:
		newPos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position: %d", newPos)
	}
	rr.pos = newPos
	return rr.pos, nil
}

// ClearBuffer drops the read-ahead window.
func (rr *HTTPRangeReader) ClearBuffer() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.buffer = nil
	rr.bufferStart = -1
}

// Size returns the file size.
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}

// URL returns the remote location.
func (rr *HTTPRangeReader) URL() string {
	return rr.url
}
