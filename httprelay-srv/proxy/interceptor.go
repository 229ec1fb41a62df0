package proxy

import (
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/codec"
)

// Direction tells which way an observed message travelled.
type Direction int

const (
	// DirectionRequest is a message written toward the origin.
	DirectionRequest Direction = iota
	// DirectionResponse is a message decoded from the origin.
	DirectionResponse
)

func (d Direction) String() string {
	if d == DirectionRequest {
		return "request"
	}
	return "response"
}

// Event is a snapshot of one observed message. Heads are deep copies; body
// chunks are summarized by size so that no pooled buffer escapes the
// connection.
type Event struct {
	Direction    Direction
	Endpoint     Endpoint
	ConnectionID int64
	Time         time.Time
	Request      *codec.RequestHead
	Response     *codec.ResponseHead
	BodyBytes    int
	Last         bool
}

// IsHead reports whether the event carries a request or response head.
func (e *Event) IsHead() bool {
	return e.Request != nil || e.Response != nil
}

// Listener receives interception events. Listeners are observation-only and
// are called on the connection's goroutine: anything slow belongs behind an
// AsyncListener.
type Listener interface {
	Notify(ev Event)
}

// Interceptor is the pipeline stage between the origin framing and the
// ReplayHandler. It reports every request written toward the origin and
// every message decoded from it, and passes messages on unmodified.
type Interceptor struct {
	endpoint     Endpoint
	connectionID int64
	listener     Listener
}

// NewInterceptor creates the stage for one outbound connection. A nil
// listener makes it a pass-through.
func NewInterceptor(ep Endpoint, connectionID int64, listener Listener) *Interceptor {
	return &Interceptor{endpoint: ep, connectionID: connectionID, listener: listener}
}

// Notify snapshots msg and hands it to the listener.
func (i *Interceptor) Notify(dir Direction, ep Endpoint, msg codec.Message) {
	if i.listener == nil {
		return
	}
	ev := Event{
		Direction:    dir,
		Endpoint:     ep,
		ConnectionID: i.connectionID,
		Time:         time.Now(),
	}
	switch m := msg.(type) {
	case *codec.RequestHead:
		ev.Request = &codec.RequestHead{Method: m.Method, URI: m.URI, Proto: m.Proto, Header: m.Header.Clone()}
	case *codec.ResponseHead:
		ev.Response = &codec.ResponseHead{Proto: m.Proto, StatusCode: m.StatusCode, Reason: m.Reason, Header: m.Header.Clone(), NoBody: m.NoBody}
	case *codec.Content:
		ev.BodyBytes = m.Len()
		ev.Last = m.Last
	default:
		return
	}
	i.listener.Notify(ev)
}

func (i *Interceptor) Handle(ctx *StageContext, msg codec.Message) {
	i.Notify(DirectionResponse, i.endpoint, msg)
	ctx.Next(msg)
}

func (i *Interceptor) Outbound(_ *StageContext, msg codec.Message) {
	i.Notify(DirectionRequest, i.endpoint, msg)
}
