package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain decodes every message of the stream and releases the content.
func drainRequests(t *testing.T, raw string) ([]Message, error) {
	t.Helper()
	dec := NewRequestDecoder(strings.NewReader(raw))
	var msgs []Message
	for {
		msg, err := dec.Next()
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

func releaseAll(msgs []Message) {
	for _, m := range msgs {
		m.Release()
	}
}

func TestHeadersOrderAndCase(t *testing.T) {
	h := NewHeaders("X-First", "1", "host", "example.com", "X-Multi", "a", "x-multi", "b")

	assert.Equal(t, "example.com", h.Get("Host"))
	assert.Equal(t, []string{"a", "b"}, h.Values("X-MULTI"))
	assert.True(t, h.Has("x-first"))

	h.Set("X-Multi", "c")
	assert.Equal(t, []string{"c"}, h.Values("x-multi"))
	assert.Equal(t, "X-Multi", h.Fields()[2].Name, "Set keeps the position and spelling of the first field")

	h.Del("HOST")
	assert.False(t, h.Has("Host"))
	assert.Equal(t, 2, h.Len())

	h.Set("Via", "1.1 httprelay")
	fields := h.Fields()
	assert.Equal(t, "Via", fields[len(fields)-1].Name)

	m := h.ToMap()
	assert.Equal(t, []string{"1"}, m["X-First"])
}

func TestRequestDecoderContentLength(t *testing.T) {
	before := OutstandingBuffers()
	raw := "POST http://x/upload HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello"

	msgs, err := drainRequests(t, raw)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, msgs, 2)
	defer releaseAll(msgs)

	head, ok := msgs[0].(*RequestHead)
	require.True(t, ok)
	assert.Equal(t, "POST", head.Method)
	assert.Equal(t, "http://x/upload", head.URI)
	assert.Equal(t, "HTTP/1.1", head.Proto)
	assert.Equal(t, "x", head.Header.Get("host"))

	body, ok := msgs[1].(*Content)
	require.True(t, ok)
	assert.True(t, body.Last)
	assert.Equal(t, "hello", string(body.Bytes()))
	assert.Equal(t, before+1, OutstandingBuffers())

	releaseAll(msgs)
	assert.Equal(t, before, OutstandingBuffers())
}

func TestRequestDecoderNoBodyEmitsEmptyLast(t *testing.T) {
	raw := "GET http://x/a HTTP/1.1\r\nHost: x\r\n\r\nGET http://x/b HTTP/1.1\r\n\r\n"

	msgs, err := drainRequests(t, raw)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, msgs, 4)
	defer releaseAll(msgs)

	last, ok := msgs[1].(*Content)
	require.True(t, ok)
	assert.True(t, last.Last)
	assert.Equal(t, 0, last.Len())

	second, ok := msgs[2].(*RequestHead)
	require.True(t, ok)
	assert.Equal(t, "http://x/b", second.URI)
}

func TestRequestDecoderChunkedWithTrailer(t *testing.T) {
	before := OutstandingBuffers()
	raw := "POST http://x/ HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n2\r\nde\r\n0\r\nX-Checksum: 42\r\n\r\n"

	msgs, err := drainRequests(t, raw)
	require.ErrorIs(t, err, io.EOF)
	defer releaseAll(msgs)

	var body strings.Builder
	var last *Content
	for _, m := range msgs[1:] {
		c, ok := m.(*Content)
		require.True(t, ok)
		body.Write(c.Bytes())
		if c.Last {
			last = c
		}
	}
	assert.Equal(t, "abcde", body.String())
	require.NotNil(t, last)
	assert.Equal(t, "42", last.Trailer.Get("X-Checksum"))

	releaseAll(msgs)
	assert.Equal(t, before, OutstandingBuffers())
}

func TestRequestDecoderMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing proto", "GET /\r\n\r\n"},
		{"http2 proto", "GET / HTTP/2.0\r\n\r\n"},
		{"header without colon", "GET / HTTP/1.1\r\nBroken\r\n\r\n"},
		{"bad content length", "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := drainRequests(t, tt.raw)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRequestDecoderTruncatedBody(t *testing.T) {
	before := OutstandingBuffers()
	msgs, err := drainRequests(t, "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc")
	releaseAll(msgs)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, before, OutstandingBuffers())
}

func TestResponseDecoderBodyModes(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		raw      string
		wantBody string
	}{
		{"content length", "GET", "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", "ok"},
		{"head has no body", "HEAD", "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n", ""},
		{"no content", "GET", "HTTP/1.1 204 No Content\r\n\r\n", ""},
		{"not modified", "GET", "HTTP/1.1 304 Not Modified\r\nContent-Length: 10\r\n\r\n", ""},
		{"chunked", "GET", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nok\r\n0\r\n\r\n", "ok"},
		{"until eof", "GET", "HTTP/1.0 200 OK\r\n\r\nstream until close", "stream until close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewResponseDecoder(strings.NewReader(tt.raw))
			dec.PushMethod(tt.method)

			msg, err := dec.Next()
			require.NoError(t, err)
			_, ok := msg.(*ResponseHead)
			require.True(t, ok)

			var body strings.Builder
			for {
				msg, err := dec.Next()
				require.NoError(t, err)
				c, ok := msg.(*Content)
				require.True(t, ok)
				body.Write(c.Bytes())
				last := c.Last
				c.Release()
				if last {
					break
				}
			}
			assert.Equal(t, tt.wantBody, body.String())

			_, err = dec.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestResponseDecoderInformationalKeepsMethod(t *testing.T) {
	raw := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\n"
	dec := NewResponseDecoder(strings.NewReader(raw))
	dec.PushMethod("HEAD")

	head, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, 100, head.(*ResponseHead).StatusCode)
	last, err := dec.Next()
	require.NoError(t, err)
	assert.True(t, last.(*Content).Last)

	head, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, 200, head.(*ResponseHead).StatusCode)
	last, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, 0, last.(*Content).Len(), "HEAD response must not read a body")
}

func TestEncoderReproducesWire(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nX-B: 2\r\nX-A: 1\r\nContent-Length: 2\r\n\r\nok"
	dec := NewResponseDecoder(strings.NewReader(raw))
	dec.PushMethod("GET")

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	var enc Encoder
	for i := 0; i < 2; i++ {
		msg, err := dec.Next()
		require.NoError(t, err)
		require.NoError(t, enc.Encode(w, msg))
		msg.Release()
	}
	require.NoError(t, w.Flush())
	assert.Equal(t, raw, out.String())
}

func TestEncoderBodylessChunkedResponses(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"HTTP/1.1 304 Not Modified\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	dec := NewResponseDecoder(strings.NewReader(raw))
	dec.PushMethod("HEAD")
	dec.PushMethod("GET")
	dec.PushMethod("GET")

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	var enc Encoder
	var heads []*ResponseHead
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if h, ok := msg.(*ResponseHead); ok {
			heads = append(heads, h)
		}
		require.NoError(t, enc.Encode(w, msg))
		msg.Release()
	}
	require.NoError(t, w.Flush())

	assert.Equal(t, raw, out.String())
	require.Len(t, heads, 3)
	assert.True(t, heads[0].NoBody)
	assert.True(t, heads[1].NoBody)
	assert.False(t, heads[2].NoBody)
}

func TestEncoderChunkedRequest(t *testing.T) {
	var methods []string
	enc := Encoder{OnRequest: func(m string) { methods = append(methods, m) }}

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	head := &RequestHead{Method: "PUT", URI: "/x", Proto: "HTTP/1.1",
		Header: NewHeaders("Host", "x", "Transfer-Encoding", "chunked")}
	first := NewContent([]byte("abc"), false)
	last := NewContent([]byte("de"), true)
	last.Trailer = NewHeaders("X-Sum", "5")
	defer first.Release()
	defer last.Release()

	require.NoError(t, enc.Encode(w, head))
	require.NoError(t, enc.Encode(w, first))
	require.NoError(t, enc.Encode(w, last))
	require.NoError(t, w.Flush())

	want := "PUT /x HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n2\r\nde\r\n0\r\nX-Sum: 5\r\n\r\n"
	assert.Equal(t, want, out.String())
	assert.Equal(t, []string{"PUT"}, methods)
}

type unknownMessage struct{}

func (unknownMessage) Release() bool { return false }

func TestEncoderRejectsUnknown(t *testing.T) {
	var enc Encoder
	err := enc.Encode(bufio.NewWriter(io.Discard), unknownMessage{})
	assert.True(t, errors.Is(err, ErrUnsupportedMessage))
}

func TestContentReleaseOnce(t *testing.T) {
	before := OutstandingBuffers()
	c := NewContent([]byte("data"), false)
	assert.Equal(t, before+1, OutstandingBuffers())

	assert.True(t, c.Release())
	assert.False(t, c.Release())
	assert.True(t, c.Released())
	assert.Nil(t, c.Bytes())
	assert.Equal(t, before, OutstandingBuffers())

	empty := EmptyLastContent()
	assert.True(t, empty.Release())
	assert.Equal(t, before, OutstandingBuffers())
}
