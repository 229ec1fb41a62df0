package proxy

import (
	"github.com/codefionn/httprelay/httprelay-srv/codec"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
)

// ReplayHandler is the last stage of an outbound pipeline. It relays every
// message decoded from the origin to the client channel it was paired with.
type ReplayHandler struct {
	client   *Channel
	endpoint Endpoint
	log      *logger.Conn

	// closeDelimited is set when the current response's body ends only
	// when the origin closes; inBody while a body is still being relayed.
	closeDelimited bool
	inBody         bool
}

func NewReplayHandler(client *Channel, ep Endpoint) *ReplayHandler {
	return &ReplayHandler{
		client:   client,
		endpoint: ep,
		log:      client.Logger().With(ep.String()),
	}
}

// Active primes the origin with an empty flush and starts watching the
// client: when it goes away the origin channel is closed after flushing.
func (r *ReplayHandler) Active(ctx *StageContext) {
	origin := ctx.Channel()
	if err := origin.Flush(); err != nil {
		r.log.Debug("Initial flush toward origin failed: %v", err)
	}
	go func() {
		select {
		case <-r.client.Done():
			r.log.Debug("Client inactive, closing origin channel")
			origin.CloseOnFlush()
		case <-origin.Done():
		}
	}()
}

func (r *ReplayHandler) Handle(ctx *StageContext, msg codec.Message) {
	switch m := msg.(type) {
	case *codec.ResponseHead:
		r.closeDelimited = isCloseDelimited(m)
		r.inBody = true
	case *codec.Content:
		if m.Last {
			r.inBody = false
		}
	}
	if !ctx.Channel().IsActive() {
		msg.Release()
		return
	}
	if !r.client.IsActive() {
		r.log.Debug("Proxy target channel to client inactive, dropping %T", msg)
		msg.Release()
		return
	}
	if err := r.client.WriteAndFlush(msg); err != nil {
		r.log.Debug("Failed to relay %T to client: %v", msg, err)
	}
}

// Inactive runs after the origin channel closed. When this side closed it
// nothing more happens. When the origin ended it, the client stays open
// unless its last response was cut short or can only be delimited by a close.
func (r *ReplayHandler) Inactive(ctx *StageContext) {
	if !ctx.Channel().ClosedByPeer() {
		return
	}
	if (r.closeDelimited || r.inBody) && r.client.IsActive() {
		r.log.Debug("Origin closed during a close-delimited or unfinished response, closing client")
		r.client.CloseOnFlush()
	}
}

func (r *ReplayHandler) Error(ctx *StageContext, err error) {
	if IsPeerClosed(err) {
		r.log.Debug("Origin connection closed: %v", err)
	} else {
		r.log.Error("Error reading from origin %s: %v", r.endpoint, err)
	}
	ctx.Channel().CloseOnFlush()
}

// isCloseDelimited reports whether a response's body runs until the
// connection closes: no Content-Length, not chunked, and a status that
// carries a body.
func isCloseDelimited(head *codec.ResponseHead) bool {
	code := head.StatusCode
	if head.NoBody {
		return false
	}
	if code == 101 {
		return true
	}
	if (code >= 100 && code < 200) || code == 204 || code == 304 {
		return false
	}
	if head.Header.Has("Content-Length") {
		return false
	}
	for _, te := range head.Header.Values("Transfer-Encoding") {
		if te != "" {
			return false
		}
	}
	return true
}
