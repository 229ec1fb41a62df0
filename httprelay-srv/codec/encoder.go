package codec

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
)

// ErrUnsupportedMessage is returned when asked to encode a message type the
// encoder does not know.
var ErrUnsupportedMessage = errors.New("unsupported message type")

// Encoder writes messages in HTTP/1.x wire format. It re-frames chunked bodies
// and passes other bodies through as-is. An Encoder is not safe for
// concurrent use; channels serialize access to it.
type Encoder struct {
	chunked bool

	// OnRequest, when set, is called with the method of every request head
	// written. The outbound side uses it to feed ResponseDecoder.PushMethod.
	OnRequest func(method string)
}

// Encode writes msg to w. The caller keeps ownership of msg.
func (e *Encoder) Encode(w *bufio.Writer, msg Message) error {
	switch m := msg.(type) {
	case *RequestHead:
		if _, err := fmt.Fprintf(w, "%s %s %s\r\n", m.Method, m.URI, m.Proto); err != nil {
			return err
		}
		if err := e.writeHeaders(w, &m.Header, true); err != nil {
			return err
		}
		if e.OnRequest != nil {
			e.OnRequest(m.Method)
		}
		return nil

	case *ResponseHead:
		statusLine := m.Proto + " " + strconv.Itoa(m.StatusCode)
		if m.Reason != "" {
			statusLine += " " + m.Reason
		}
		if _, err := w.WriteString(statusLine + "\r\n"); err != nil {
			return err
		}
		return e.writeHeaders(w, &m.Header, !m.NoBody)

	case *Content:
		return e.writeContent(w, m)
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
}

// writeHeaders ends a head. Chunk framing applies only when a body follows.
func (e *Encoder) writeHeaders(w *bufio.Writer, h *Headers, hasBody bool) error {
	if err := h.write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	e.chunked = hasBody && h.isChunked()
	return nil
}

func (e *Encoder) writeContent(w *bufio.Writer, c *Content) error {
	data := c.Bytes()
	if !e.chunked {
		if _, err := w.Write(data); err != nil {
			return err
		}
		return nil
	}

	if len(data) > 0 {
		if _, err := w.WriteString(strconv.FormatInt(int64(len(data)), 16) + "\r\n"); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if c.Last {
		if _, err := w.WriteString("0\r\n"); err != nil {
			return err
		}
		if err := c.Trailer.write(w); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
		e.chunked = false
	}
	return nil
}
