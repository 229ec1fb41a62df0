package proxy

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/codefionn/httprelay/httprelay-srv/codec"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
)

// readGate blocks reads from the wrapped reader while auto-read is off.
// Bytes already buffered above the gate can still be consumed.
type readGate struct {
	r      io.Reader
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
}

func newReadGate(r io.Reader) *readGate {
	g := &readGate{r: r}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *readGate) Read(p []byte) (int, error) {
	g.mu.Lock()
	for g.paused && !g.closed {
		g.cond.Wait()
	}
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	return g.r.Read(p)
}

func (g *readGate) setPaused(paused bool) {
	g.mu.Lock()
	g.paused = paused
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *readGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *readGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Channel is one side of a proxied connection: a net.Conn with a gated
// buffered reader and a serialized message writer.
//
// Writes take ownership of the message: the channel releases it once it has
// been encoded, whether or not the write succeeded.
type Channel struct {
	conn   net.Conn
	gate   *readGate
	reader *bufio.Reader

	mu  sync.Mutex
	bw  *bufio.Writer
	enc codec.Encoder

	active     atomic.Bool
	peerClosed atomic.Bool
	closeOnce  sync.Once
	done       chan struct{}

	log *logger.Conn
}

// NewChannel wraps conn. The channel starts active with auto-read on.
func NewChannel(conn net.Conn) *Channel {
	gate := newReadGate(conn)
	c := &Channel{
		conn:   conn,
		gate:   gate,
		reader: bufio.NewReaderSize(gate, 4096),
		bw:     bufio.NewWriterSize(conn, codec.DefaultBufferSize),
		done:   make(chan struct{}),
	}
	c.active.Store(true)
	return c
}

// WithLogger sets the logger stages use for this channel and returns c.
func (c *Channel) WithLogger(l *logger.Conn) *Channel {
	c.log = l
	return c
}

// Logger returns the channel's logger. It may be nil, which logs unprefixed.
func (c *Channel) Logger() *logger.Conn {
	return c.log
}

// Reader returns the buffered reader decoders should read from.
func (c *Channel) Reader() *bufio.Reader {
	return c.reader
}

// SetAutoRead turns socket reads on or off.
func (c *Channel) SetAutoRead(on bool) {
	c.gate.setPaused(!on)
}

// AutoRead reports whether socket reads are enabled.
func (c *Channel) AutoRead() bool {
	return !c.gate.isPaused()
}

// setOnRequest installs the encoder hook that observes request methods.
func (c *Channel) setOnRequest(fn func(method string)) {
	c.mu.Lock()
	c.enc.OnRequest = fn
	c.mu.Unlock()
}

// Write encodes msg into the write buffer and releases it.
func (c *Channel) Write(msg codec.Message) error {
	return c.write(msg, nil)
}

// write is Write with a hook that sees msg after it was encoded and before
// it is released. The hook is not called when encoding fails.
func (c *Channel) write(msg codec.Message, written func(codec.Message)) error {
	defer msg.Release()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active.Load() {
		return net.ErrClosed
	}
	if err := c.enc.Encode(c.bw, msg); err != nil {
		return err
	}
	if written != nil {
		written(msg)
	}
	return nil
}

// Flush writes buffered bytes to the connection.
func (c *Channel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active.Load() {
		return net.ErrClosed
	}
	return c.bw.Flush()
}

// WriteAndFlush writes msg and flushes.
func (c *Channel) WriteAndFlush(msg codec.Message) error {
	if err := c.Write(msg); err != nil {
		return err
	}
	return c.Flush()
}

// CloseOnFlush flushes whatever is buffered and then closes the channel. It
// does not wait for either to finish.
func (c *Channel) CloseOnFlush() {
	go func() {
		_ = c.Flush()
		_ = c.Close()
	}()
}

// Close closes the connection immediately. Only the first call has an effect.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.active.Store(false)
		c.gate.close()
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

// markPeerClosed records that the read side ended while the channel was
// still active, meaning the peer ended or broke the connection. It reports
// whether that was the case.
func (c *Channel) markPeerClosed() bool {
	if !c.active.Load() {
		return false
	}
	c.peerClosed.Store(true)
	return true
}

// ClosedByPeer reports whether the channel closed because its peer ended the
// connection or failed, rather than because this side closed it.
func (c *Channel) ClosedByPeer() bool {
	return c.peerClosed.Load()
}

// IsActive reports whether the channel has not been closed.
func (c *Channel) IsActive() bool {
	return c.active.Load()
}

// Done is closed when the channel closes.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
