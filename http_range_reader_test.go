package cogops

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"golang.org/x/sync/errgroup"
)

// serve runs handler on an in-memory listener and returns a client
// dialing it.
func serve(t *testing.T, handler fasthttp.RequestHandler) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, handler) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })
	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

// rangeHandler serves data, honouring single byte ranges unless ranges is
// false. GET requests are counted in gets.
func rangeHandler(data []byte, ranges bool, gets *atomic.Int64) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsHead() && gets != nil {
			gets.Add(1)
		}
		rng := string(ctx.Request.Header.Peek(fasthttp.HeaderRange))
		if !ranges || ctx.IsHead() || rng == "" {
			ctx.SetBody(data)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil || start >= len(data) {
			ctx.SetStatusCode(fasthttp.StatusRequestedRangeNotSatisfiable)
			return
		}
		end = min(end, len(data)-1)
		ctx.SetStatusCode(fasthttp.StatusPartialContent)
		ctx.Response.Header.Set(fasthttp.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		ctx.SetBody(data[start : end+1])
	}
}

// serveBytes serves data and returns the client with the GET counter.
func serveBytes(t *testing.T, data []byte, ranges bool) (*fasthttp.Client, *atomic.Int64) {
	var gets atomic.Int64
	return serve(t, rangeHandler(data, ranges, &gets)), &gets
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestHTTPRangeReaderReadAhead(t *testing.T) {
	data := testPayload(1000)
	client, gets := serveBytes(t, data, true)

	rr, err := NewHTTPRangeReaderWithReadAhead("http://cog.test/a.tif", client, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rr.Size())
	assert.Equal(t, "http://cog.test/a.tif", rr.URL())
	assert.Equal(t, int64(0), gets.Load(), "the size comes from HEAD")

	buf := make([]byte, 4)
	n, err := rr.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, data[:4], buf)
	assert.Equal(t, int64(1), gets.Load())

	_, err = rr.ReadAt(buf, 60)
	require.NoError(t, err)
	assert.Equal(t, data[60:64], buf)
	assert.Equal(t, int64(1), gets.Load(), "served from the read-ahead window")

	_, err = rr.ReadAt(buf, 62)
	require.NoError(t, err)
	assert.Equal(t, data[62:66], buf)
	assert.Equal(t, int64(2), gets.Load(), "crossing the window refetches")

	big := make([]byte, 200)
	_, err = rr.ReadAt(big, 300)
	require.NoError(t, err)
	assert.Equal(t, data[300:500], big)
	assert.Equal(t, int64(3), gets.Load())

	// Large reads leave the window alone.
	_, err = rr.ReadAt(buf, 70)
	require.NoError(t, err)
	assert.Equal(t, int64(3), gets.Load())

	rr.ClearBuffer()
	_, err = rr.ReadAt(buf, 70)
	require.NoError(t, err)
	assert.Equal(t, data[70:74], buf)
	assert.Equal(t, int64(4), gets.Load())
}

func TestHTTPRangeReaderEOF(t *testing.T) {
	data := testPayload(100)
	client, _ := serveBytes(t, data, true)
	rr, err := NewHTTPRangeReaderWithReadAhead("http://cog.test/a.tif", client, 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := rr.ReadAt(buf, 95)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 5, n)
	assert.Equal(t, data[95:], buf[:n])

	n, err = rr.ReadAt(buf, 100)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, n)

	_, err = rr.ReadAt(buf, -1)
	assert.Error(t, err)
}

func TestHTTPRangeReaderSequential(t *testing.T) {
	data := testPayload(5000)
	client, _ := serveBytes(t, data, true)
	rr, err := NewHTTPRangeReaderWithReadAhead("http://cog.test/a.tif", client, 1024)
	require.NoError(t, err)

	got, err := io.ReadAll(rr)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	pos, err := rr.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(4990), pos)
	buf := make([]byte, 4)
	_, err = io.ReadFull(rr, buf)
	require.NoError(t, err)
	assert.Equal(t, data[4990:4994], buf)

	pos, err = rr.Seek(2, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(4996), pos)
	pos, err = rr.Seek(7, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)

	_, err = rr.Seek(-1, io.SeekStart)
	assert.Error(t, err)
	_, err = rr.Seek(0, 42)
	assert.Error(t, err)
}

func TestHTTPRangeReaderConcurrent(t *testing.T) {
	data := testPayload(4096)
	client, _ := serveBytes(t, data, true)
	rr, err := NewHTTPRangeReaderWithReadAhead("http://cog.test/a.tif", client, 128)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			off := int64(i * 97)
			buf := make([]byte, 33)
			if _, err := rr.ReadAt(buf, off); err != nil {
				return err
			}
			if !bytes.Equal(buf, data[off:off+33]) {
				return fmt.Errorf("mismatch at %d", off)
			}
			return nil
		})
	}
	assert.NoError(t, g.Wait())
}

func TestHTTPRangeReaderSizeFallback(t *testing.T) {
	data := testPayload(300)
	ranged := rangeHandler(data, true, nil)
	client := serve(t, func(ctx *fasthttp.RequestCtx) {
		if ctx.IsHead() {
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
			return
		}
		ranged(ctx)
	})

	rr, err := NewHTTPRangeReader("http://cog.test/a.tif", client)
	require.NoError(t, err)
	assert.Equal(t, int64(300), rr.Size())

	buf := make([]byte, 16)
	_, err = rr.ReadAt(buf, 280)
	require.NoError(t, err)
	assert.Equal(t, data[280:296], buf)
}

func TestHTTPRangeReaderIgnoredRanges(t *testing.T) {
	data := testPayload(700)
	client, _ := serveBytes(t, data, false)
	rr, err := NewHTTPRangeReaderWithReadAhead("http://cog.test/a.tif", client, 32)
	require.NoError(t, err)

	buf := make([]byte, 8)
	_, err = rr.ReadAt(buf, 500)
	require.NoError(t, err)
	assert.Equal(t, data[500:508], buf)

	big := make([]byte, 100)
	n, err := rr.ReadAt(big, 650)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, data[650:], big[:n])
}

func TestHTTPRangeReaderErrors(t *testing.T) {
	client := serve(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	})
	_, err := NewHTTPRangeReader("http://cog.test/a.tif", client)
	assert.ErrorContains(t, err, "unexpected status code: 500")
}

func TestParseContentRangeSize(t *testing.T) {
	n, err := parseContentRangeSize([]byte("bytes 0-0/1234"))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), n)

	for _, h := range []string{"bytes 0-0/*", "bytes 0-0", "bytes 0-0/abc", ""} {
		_, err := parseContentRangeSize([]byte(h))
		assert.Error(t, err, h)
	}
}
