package proxy

import (
	"errors"
	"io"

	"github.com/codefionn/httprelay/httprelay-srv/codec"
)

// Stage processes messages read from a channel. A stage owns every message
// it is handed: it either passes it on with ctx.Next or releases it.
type Stage interface {
	Handle(ctx *StageContext, msg codec.Message)
}

// ActiveStage is notified once when the pipeline starts.
type ActiveStage interface {
	Active(ctx *StageContext)
}

// InactiveStage is notified once after the channel has closed.
type InactiveStage interface {
	Inactive(ctx *StageContext)
}

// ErrorStage is notified of read errors other than a clean EOF.
type ErrorStage interface {
	Error(ctx *StageContext, err error)
}

// OutboundStage observes messages written through the pipeline once the
// channel has encoded them. It must not keep msg after returning.
type OutboundStage interface {
	Outbound(ctx *StageContext, msg codec.Message)
}

// decoder is the framing stage feeding a pipeline.
type decoder interface {
	Next() (codec.Message, error)
}

// Pipeline is an ordered list of stages bound to one channel.
type Pipeline struct {
	ch     *Channel
	stages []Stage
	ctxs   []*StageContext
}

// StageContext gives a stage access to its channel and the rest of the
// pipeline.
type StageContext struct {
	p   *Pipeline
	idx int
}

// NewPipeline binds stages, in order, to ch.
func NewPipeline(ch *Channel, stages ...Stage) *Pipeline {
	p := &Pipeline{ch: ch, stages: stages}
	p.ctxs = make([]*StageContext, len(stages))
	for i := range stages {
		p.ctxs[i] = &StageContext{p: p, idx: i}
	}
	return p
}

// Channel returns the channel the stage belongs to.
func (c *StageContext) Channel() *Channel {
	return c.p.ch
}

// Next hands msg to the following stage. Past the last stage the message is
// released.
func (c *StageContext) Next(msg codec.Message) {
	c.p.handleFrom(c.idx+1, msg)
}

func (p *Pipeline) handleFrom(idx int, msg codec.Message) {
	if idx >= len(p.stages) {
		msg.Release()
		return
	}
	p.stages[idx].Handle(p.ctxs[idx], msg)
}

// Channel returns the pipeline's channel.
func (p *Pipeline) Channel() *Channel {
	return p.ch
}

// Start notifies active stages and then reads from dec until the channel
// fails or ends, in a new goroutine.
func (p *Pipeline) Start(dec decoder) {
	p.fireActive()
	go p.run(dec)
}

func (p *Pipeline) run(dec decoder) {
	for {
		msg, err := dec.Next()
		if err != nil {
			if p.ch.markPeerClosed() && !errors.Is(err, io.EOF) {
				p.fireError(err)
			}
			break
		}
		p.handleFrom(0, msg)
	}
	_ = p.ch.Close()
	p.fireInactive()
}

func (p *Pipeline) fireActive() {
	for i, s := range p.stages {
		if h, ok := s.(ActiveStage); ok {
			h.Active(p.ctxs[i])
		}
	}
}

func (p *Pipeline) fireInactive() {
	for i, s := range p.stages {
		if h, ok := s.(InactiveStage); ok {
			h.Inactive(p.ctxs[i])
		}
	}
}

func (p *Pipeline) fireError(err error) {
	for i, s := range p.stages {
		if h, ok := s.(ErrorStage); ok {
			h.Error(p.ctxs[i], err)
		}
	}
}

// Write writes msg to the channel, which takes ownership. Outbound stages
// see the message only once it has been encoded.
func (p *Pipeline) Write(msg codec.Message) error {
	return p.ch.write(msg, p.fireOutbound)
}

func (p *Pipeline) fireOutbound(msg codec.Message) {
	for i, s := range p.stages {
		if h, ok := s.(OutboundStage); ok {
			h.Outbound(p.ctxs[i], msg)
		}
	}
}

func (p *Pipeline) Flush() error {
	return p.ch.Flush()
}

// WriteAndFlush writes msg through the pipeline and flushes.
func (p *Pipeline) WriteAndFlush(msg codec.Message) error {
	if err := p.Write(msg); err != nil {
		return err
	}
	return p.Flush()
}

func (p *Pipeline) IsActive() bool {
	return p.ch.IsActive()
}

func (p *Pipeline) CloseOnFlush() {
	p.ch.CloseOnFlush()
}

func (p *Pipeline) Close() error {
	return p.ch.Close()
}
