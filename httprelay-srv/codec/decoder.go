package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
)

// ErrMalformed is returned (wrapped) when the byte stream is not valid
// HTTP/1.x framing.
var ErrMalformed = errors.New("malformed HTTP/1.x message")

func malformed(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, v...))
}

type bodyMode int

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilEOF
)

// bodyState tracks the body of the message currently being decoded.
type bodyState struct {
	mode      bodyMode
	remaining int64
	chunked   io.Reader
}

type decoder struct {
	br   *bufio.Reader
	tp   *textproto.Reader
	body *bodyState
}

func newDecoder(r io.Reader) decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 4096)
	}
	return decoder{br: br, tp: textproto.NewReader(br)}
}

// startLine reads the first non-empty line of a message.
func (d *decoder) startLine() (string, error) {
	for {
		line, err := d.tp.ReadLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

func (d *decoder) readHeaders() (Headers, error) {
	var h Headers
	for {
		line, err := d.tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return h, io.ErrUnexpectedEOF
			}
			return h, err
		}
		if line == "" {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if h.Len() == 0 {
				return h, malformed("continuation line before first header")
			}
			last := &h.fields[len(h.fields)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return h, malformed("header line without colon: %q", line)
		}
		h.Add(strings.TrimRight(name, " \t"), strings.TrimSpace(value))
	}
}

// nextContent reads the next piece of the current body.
func (d *decoder) nextContent() (*Content, error) {
	b := d.body
	switch b.mode {
	case bodyNone:
		d.body = nil
		return EmptyLastContent(), nil

	case bodyLength:
		want := int64(DefaultBufferSize)
		if b.remaining < want {
			want = b.remaining
		}
		content, n, err := d.readPiece(d.br, int(want))
		if n > 0 {
			b.remaining -= int64(n)
		}
		if err != nil {
			if content != nil {
				content.Release()
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b.remaining == 0 {
			content.Last = true
			d.body = nil
		}
		return content, nil

	case bodyChunked:
		content, _, err := d.readPiece(b.chunked, DefaultBufferSize)
		if errors.Is(err, io.EOF) {
			if content == nil {
				content = EmptyLastContent()
			}
			trailer, terr := d.readHeaders()
			if terr != nil {
				content.Release()
				return nil, terr
			}
			content.Last = true
			content.Trailer = trailer
			d.body = nil
			return content, nil
		}
		if err != nil {
			if content != nil {
				content.Release()
			}
			return nil, err
		}
		return content, nil

	case bodyUntilEOF:
		content, _, err := d.readPiece(d.br, DefaultBufferSize)
		if errors.Is(err, io.EOF) {
			if content == nil {
				content = EmptyLastContent()
			}
			content.Last = true
			d.body = nil
			return content, nil
		}
		if err != nil {
			if content != nil {
				content.Release()
			}
			return nil, err
		}
		return content, nil
	}
	return nil, fmt.Errorf("unknown body mode %d", b.mode)
}

// readPiece performs reads until at least one byte or an error arrives, and
// returns what was read as pooled Content. Content is nil when n == 0.
func (d *decoder) readPiece(r io.Reader, max int) (*Content, int, error) {
	buf := getBuffer()
	for {
		n, err := r.Read((*buf)[:max])
		if n > 0 {
			return &Content{buf: buf, n: n}, n, err
		}
		if err != nil {
			putBuffer(buf)
			return nil, 0, err
		}
	}
}

func parseContentLength(h *Headers) (int64, bool, error) {
	value := h.Get("Content-Length")
	if value == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || n < 0 {
		return 0, false, malformed("invalid Content-Length %q", value)
	}
	return n, true, nil
}

// RequestDecoder turns a client byte stream into RequestHead and Content
// messages. Every request is followed by its body pieces, the last of which
// has Last set, even when the body is empty.
type RequestDecoder struct {
	decoder
}

// NewRequestDecoder wraps r. If r is already a *bufio.Reader it is used
// directly.
func NewRequestDecoder(r io.Reader) *RequestDecoder {
	return &RequestDecoder{decoder: newDecoder(r)}
}

// Next returns the next message. io.EOF is returned when the stream ends
// cleanly between requests.
func (d *RequestDecoder) Next() (Message, error) {
	if d.body != nil {
		return d.nextContent()
	}

	line, err := d.startLine()
	if err != nil {
		return nil, err
	}
	method, rest, ok1 := strings.Cut(line, " ")
	uri, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || uri == "" {
		return nil, malformed("invalid request line %q", line)
	}
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, malformed("unsupported protocol %q", proto)
	}

	header, err := d.readHeaders()
	if err != nil {
		return nil, err
	}
	head := &RequestHead{Method: method, URI: uri, Proto: proto, Header: header}

	switch {
	case header.isChunked():
		d.body = &bodyState{mode: bodyChunked, chunked: httputil.NewChunkedReader(d.br)}
	default:
		n, ok, err := parseContentLength(&header)
		if err != nil {
			return nil, err
		}
		if ok && n > 0 {
			d.body = &bodyState{mode: bodyLength, remaining: n}
		} else {
			d.body = &bodyState{mode: bodyNone}
		}
	}
	return head, nil
}

// ResponseDecoder turns an origin byte stream into ResponseHead and Content
// messages. It needs to know the method of each request sent so that
// responses to HEAD are decoded without a body; callers report methods with
// PushMethod in the order requests were written.
type ResponseDecoder struct {
	decoder
	mu      sync.Mutex
	methods []string
}

// NewResponseDecoder wraps r.
func NewResponseDecoder(r io.Reader) *ResponseDecoder {
	return &ResponseDecoder{decoder: newDecoder(r)}
}

// PushMethod records the method of a request written to the origin.
// It is safe to call concurrently with Next.
func (d *ResponseDecoder) PushMethod(method string) {
	d.mu.Lock()
	d.methods = append(d.methods, method)
	d.mu.Unlock()
}

func (d *ResponseDecoder) popMethod() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.methods) == 0 {
		return ""
	}
	m := d.methods[0]
	d.methods = d.methods[1:]
	return m
}

// Next returns the next message. io.EOF is returned when the stream ends
// cleanly between responses.
func (d *ResponseDecoder) Next() (Message, error) {
	if d.body != nil {
		return d.nextContent()
	}

	line, err := d.startLine()
	if err != nil {
		return nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, malformed("invalid status line %q", line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, malformed("invalid status code %q", codeStr)
	}

	header, err := d.readHeaders()
	if err != nil {
		return nil, err
	}
	head := &ResponseHead{Proto: proto, StatusCode: code, Reason: reason, Header: header}

	informational := code >= 100 && code < 200 && code != 101
	method := ""
	if !informational {
		method = d.popMethod()
	}

	switch {
	case informational, method == "HEAD", code == 204, code == 304:
		head.NoBody = true
		d.body = &bodyState{mode: bodyNone}
	case code == 101:
		d.body = &bodyState{mode: bodyUntilEOF}
	case header.isChunked():
		d.body = &bodyState{mode: bodyChunked, chunked: httputil.NewChunkedReader(d.br)}
	default:
		n, ok, err := parseContentLength(&header)
		if err != nil {
			return nil, err
		}
		switch {
		case ok && n > 0:
			d.body = &bodyState{mode: bodyLength, remaining: n}
		case ok:
			d.body = &bodyState{mode: bodyNone}
		default:
			d.body = &bodyState{mode: bodyUntilEOF}
		}
	}
	return head, nil
}
