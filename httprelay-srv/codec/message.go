package codec

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultBufferSize is the size of pooled content buffers (32KB).
	// This matches the internal buffer size used by io.Copy
	DefaultBufferSize = 32 * 1024
)

// Message is one decoded HTTP/1.x unit. Whoever holds a Message owns it and
// must either hand it on or call Release exactly once.
type Message interface {
	// Release frees any buffer held by the message. It reports whether this
	// call performed the release; later calls are no-ops.
	Release() bool
}

// RequestHead is the request line plus headers of an HTTP/1.x request.
type RequestHead struct {
	Method string
	URI    string
	Proto  string
	Header Headers
}

// Release is a no-op; heads hold no pooled memory.
func (r *RequestHead) Release() bool { return false }

func (r *RequestHead) String() string {
	return fmt.Sprintf("%s %s %s", r.Method, r.URI, r.Proto)
}

// ResponseHead is the status line plus headers of an HTTP/1.x response.
type ResponseHead struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     Headers

	// NoBody is set by the decoder when the response carries no body
	// whatever its framing headers say (HEAD, 1xx, 204, 304).
	NoBody bool
}

// Release is a no-op; heads hold no pooled memory.
func (r *ResponseHead) Release() bool { return false }

func (r *ResponseHead) String() string {
	return fmt.Sprintf("%s %d %s", r.Proto, r.StatusCode, r.Reason)
}

// Content is a piece of a message body. Last marks the final piece of the
// body it belongs to; Trailer holds chunked trailers on the last piece.
type Content struct {
	buf      *[]byte
	n        int
	Last     bool
	Trailer  Headers
	released atomic.Bool
}

// bufferPool holds content buffers so that decoding a body does not allocate
// per chunk.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

// outstanding counts pooled buffers handed out and not yet released.
var outstanding atomic.Int64

// OutstandingBuffers returns the number of content buffers currently owned by
// live Content values.
func OutstandingBuffers() int64 {
	return outstanding.Load()
}

func getBuffer() *[]byte {
	outstanding.Add(1)
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		outstanding.Add(-1)
		bufferPool.Put(buf)
	}
}

// NewContent copies data into a pooled buffer. Data larger than
// DefaultBufferSize is truncated by the caller's contract; decoders never
// produce more.
func NewContent(data []byte, last bool) *Content {
	c := &Content{Last: last}
	if len(data) == 0 {
		return c
	}
	if len(data) > DefaultBufferSize {
		panic(fmt.Sprintf("codec: content of %d bytes exceeds buffer size", len(data)))
	}
	c.buf = getBuffer()
	c.n = copy(*c.buf, data)
	return c
}

// EmptyLastContent returns a final, empty body piece.
func EmptyLastContent() *Content {
	return &Content{Last: true}
}

// Bytes returns the content bytes. The slice is invalid after Release.
func (c *Content) Bytes() []byte {
	if c.buf == nil || c.released.Load() {
		return nil
	}
	return (*c.buf)[:c.n]
}

// Len returns the number of content bytes.
func (c *Content) Len() int {
	return c.n
}

// Released reports whether Release has been called.
func (c *Content) Released() bool {
	return c.released.Load()
}

// Release returns the buffer to the pool. Only the first call has an effect.
func (c *Content) Release() bool {
	if !c.released.CompareAndSwap(false, true) {
		return false
	}
	putBuffer(c.buf)
	c.buf = nil
	return true
}
