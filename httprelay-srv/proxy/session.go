package proxy

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/codefionn/httprelay/httprelay-srv/codec"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"github.com/codefionn/httprelay/httprelay-srv/metrics"
)

// inboundBacklog is how many decoded client messages may wait for the
// session loop before the reader blocks.
const inboundBacklog = 16

// hopHeaders are removed from every request before it is relayed.
var hopHeaders = []string{"Proxy-Authenticate", "Proxy-Connection", "Expect"}

// OutboundConnector opens the origin side of a session.
type OutboundConnector interface {
	Connect(ctx context.Context, ep Endpoint, client *Channel) <-chan ConnectResult
}

type inboundEvent struct {
	msg codec.Message
	err error
}

// Session routes the requests of one client connection. All of its state is
// owned by the goroutine running Run; client reads happen on a separate
// goroutine that only hands decoded messages over.
type Session struct {
	id        int64
	client    *Channel
	connector OutboundConnector
	metrics   *metrics.Metrics
	log       *logger.Conn
	ctx       context.Context

	outbound *Pipeline
	endpoint Endpoint
	queue    PendingQueue
	dirty    bool

	pending         <-chan ConnectResult
	cancelPending   context.CancelFunc
	pendingHead     *codec.RequestHead
	pendingEndpoint Endpoint

	// held is a request head that arrived while a connect was pending; no
	// further client messages are consumed until it has been routed.
	held        *codec.RequestHead
	discardBody bool

	events chan inboundEvent
	stop   chan struct{}
}

// NewSession wraps an accepted client connection.
func NewSession(id int64, conn net.Conn, connector OutboundConnector, m *metrics.Metrics) *Session {
	log := logger.ForConn(id)
	return &Session{
		id:        id,
		client:    NewChannel(conn).WithLogger(log),
		connector: connector,
		metrics:   m,
		log:       log,
		events:    make(chan inboundEvent, inboundBacklog),
		stop:      make(chan struct{}),
	}
}

// ID returns the session's connection id.
func (s *Session) ID() int64 {
	return s.id
}

// Client returns the client channel.
func (s *Session) Client() *Channel {
	return s.client
}

// Run serves the client until it disconnects, a connect fails or ctx ends.
func (s *Session) Run(ctx context.Context) {
	s.ctx = ctx
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	s.log.Debug("Accepted connection from %s", s.client.RemoteAddr())
	go s.readInbound(codec.NewRequestDecoder(s.client.Reader()))

	err := s.loop(ctx)
	s.teardown(err)
}

func (s *Session) readInbound(dec *codec.RequestDecoder) {
	defer close(s.events)
	for {
		msg, err := dec.Next()
		select {
		case s.events <- inboundEvent{msg: msg, err: err}:
		case <-s.stop:
			if msg != nil {
				msg.Release()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) loop(ctx context.Context) error {
	for {
		in := s.events
		if s.held != nil {
			in = nil
		}

		select {
		case ev, ok := <-in:
			if !ok {
				return io.EOF
			}
			if ev.err != nil {
				return ev.err
			}
			s.dispatch(ev.msg)
		case r := <-s.pending:
			if err := s.connectDone(r); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		// Batch writes decoded from one socket read into a single flush.
		if s.dirty && len(s.events) == 0 {
			s.flushOutbound()
		}
	}
}

func (s *Session) dispatch(msg codec.Message) {
	switch m := msg.(type) {
	case *codec.RequestHead:
		if s.pending != nil {
			s.held = m
			return
		}
		s.handleRequestHead(m)
	case *codec.Content:
		s.handleBodyChunk(m)
	default:
		s.handleOther(msg)
	}
}

func (s *Session) handleRequestHead(head *codec.RequestHead) {
	target, err := parseRequestTarget(head.URI)
	if err != nil {
		s.log.Warn("Dropping request %s: %v", head, err)
		s.metrics.Error("routing")
		s.discardBody = true
		return
	}
	s.discardBody = false

	head.URI = target.origin
	if !head.Header.Has("Host") {
		head.Header.Set("Host", target.hostHeader)
	}
	for _, name := range hopHeaders {
		head.Header.Del(name)
	}
	ep := target.endpoint

	if s.outbound != nil && s.outbound.IsActive() && s.endpoint == ep {
		s.log.Trace("Reusing connection to %s", ep)
		s.metrics.Reused()
		s.forward(head)
		return
	}

	s.client.SetAutoRead(false)
	if s.outbound != nil {
		s.log.Debug("Closing connection to %s for %s", s.endpoint, ep)
		s.outbound.CloseOnFlush()
		s.outbound = nil
		s.dirty = false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.log.Debug("Connecting to %s", ep)
	s.pending = s.connector.Connect(ctx, ep, s.client)
	s.cancelPending = cancel
	s.pendingHead = head
	s.pendingEndpoint = ep
}

func (s *Session) connectDone(r ConnectResult) error {
	head, ep := s.pendingHead, s.pendingEndpoint
	s.pending = nil
	s.pendingHead = nil
	s.cancelPending()
	s.cancelPending = nil

	if r.Err != nil {
		s.log.Error("Failed to connect to %s: %v", ep, r.Err)
		s.metrics.Error("connect")
		s.badGateway(r.Err)
		return r.Err
	}

	s.outbound, s.endpoint = r.Pipeline, ep
	s.forward(head)
	for _, c := range s.queue.Drain() {
		s.forward(c)
	}
	s.flushOutbound()
	s.client.SetAutoRead(true)

	if held := s.held; held != nil {
		s.held = nil
		s.handleRequestHead(held)
	}
	return nil
}

// badGateway answers the client with a 502 and closes it once written.
func (s *Session) badGateway(err error) {
	s.metrics.BadGateway()
	head, body := NewBadGatewayResponse(ErrorCode(err))
	if werr := s.client.Write(head); werr == nil {
		if werr = s.client.WriteAndFlush(body); werr != nil {
			s.log.Debug("Failed to write 502 response: %v", werr)
		}
	} else {
		body.Release()
	}
	_ = s.client.Close()
}

func (s *Session) handleBodyChunk(c *codec.Content) {
	switch {
	case s.discardBody:
		if c.Last {
			s.discardBody = false
		}
		c.Release()
	case s.pending != nil:
		s.queue.Push(c)
	case s.outbound != nil && s.outbound.IsActive():
		s.forward(c)
	default:
		s.log.Debug("No connection for body content, dropping %d bytes", c.Len())
		c.Release()
	}
}

func (s *Session) handleOther(msg codec.Message) {
	s.log.Warn("Unexpected message %T from client", msg)
	s.metrics.Error("unknown_message")
	msg.Release()
}

func (s *Session) forward(msg codec.Message) {
	if err := s.outbound.Write(msg); err != nil {
		s.log.Debug("Failed to write to %s: %v", s.endpoint, err)
	}
	s.dirty = true
}

func (s *Session) flushOutbound() {
	s.dirty = false
	if s.outbound == nil {
		return
	}
	if err := s.outbound.Flush(); err != nil {
		s.log.Debug("Failed to flush to %s: %v", s.endpoint, err)
	}
}

func (s *Session) teardown(err error) {
	close(s.stop)
	s.client.SetAutoRead(true)

	if s.outbound != nil && s.outbound.IsActive() {
		s.outbound.CloseOnFlush()
	}
	s.outbound = nil

	if s.pending != nil {
		s.cancelPending()
		go reapPending(s.pending)
		s.pending = nil
	}
	if n := s.queue.Release(); n > 0 {
		s.log.Debug("Released %d queued body pieces", n)
	}
	s.held, s.pendingHead = nil, nil

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled), IsPeerClosed(err):
		s.log.Debug("Connection closed: %v", err)
	case IsConnectionError(err), IsProxyChainError(err), IsRoutingError(err):
		s.log.Debug("Connection ended after failed connect: %v", err)
	case errors.Is(err, codec.ErrMalformed):
		s.metrics.Error("decode")
		s.log.Warn("Closing connection after malformed request: %v", err)
	default:
		s.metrics.Error("io")
		s.log.Error("Connection failed: %v", err)
	}

	_ = s.client.Close()
	for ev := range s.events {
		if ev.msg != nil {
			ev.msg.Release()
		}
	}
}

// reapPending waits for a cancelled connect and closes its pipeline if it
// succeeded anyway.
func reapPending(pending <-chan ConnectResult) {
	if r := <-pending; r.Err == nil && r.Pipeline != nil {
		_ = r.Pipeline.Close()
	}
}
