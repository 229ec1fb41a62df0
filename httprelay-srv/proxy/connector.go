package proxy

import (
	"context"
	"net"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/codec"
	"github.com/codefionn/httprelay/httprelay-srv/config"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"github.com/codefionn/httprelay/httprelay-srv/metrics"
	"github.com/codefionn/httprelay/httprelay-srv/stats"
)

// ConnectResult is the outcome of one Connect call: either a started
// outbound pipeline or an error, never both.
type ConnectResult struct {
	Pipeline *Pipeline
	Err      error
}

// Connector establishes outbound connections and wires their pipelines:
// response framing, then the Interceptor, then the ReplayHandler.
type Connector struct {
	Timeout   time.Duration // covers the dial and any upstream handshake
	KeepAlive time.Duration // negative disables TCP keep-alive
	Router    *Router
	Collector stats.Collector
	Metrics   *metrics.Metrics
	Listener  Listener
}

// NewConnector builds a Connector from the configured timeouts.
func NewConnector(cfg *config.Config, router *Router, collector stats.Collector, m *metrics.Metrics, listener Listener) *Connector {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &Connector{
		Timeout:   cfg.ConnectTimeout(),
		KeepAlive: cfg.KeepAlivePeriod(),
		Router:    router,
		Collector: collector,
		Metrics:   m,
		Listener:  listener,
	}
}

// Connect starts connecting to ep on behalf of client and returns at once.
// Exactly one result is delivered on the returned channel. After ctx is
// cancelled the result is a failure, or a success whose pipeline the caller
// must close.
func (c *Connector) Connect(ctx context.Context, ep Endpoint, client *Channel) <-chan ConnectResult {
	result := make(chan ConnectResult, 1)
	go func() {
		start := time.Now()
		p, err := c.connect(ctx, ep, client)
		c.Metrics.ConnectFinished(start, err)
		result <- ConnectResult{Pipeline: p, Err: err}
	}()
	return result
}

func (c *Connector) collector() stats.Collector {
	if c.Collector == nil {
		return stats.NewDummyCollector()
	}
	return c.Collector
}

func (c *Connector) connect(ctx context.Context, ep Endpoint, client *Channel) (*Pipeline, error) {
	addr := ep.String()
	collector := c.collector()

	connectionID, err := collector.StartConnection(context.Background(), remoteIP(client.RemoteAddr()), ep.Host, ep.Port, "http")
	if err != nil {
		logger.Error("Failed to start connection tracking: %v", err)
	}

	dialCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	dialer := &net.Dialer{KeepAlive: c.KeepAlive}
	conn, err := dialUpstream(dialCtx, dialer, c.Router.Select(ep), addr)
	if err == nil && ctx.Err() != nil {
		_ = conn.Close()
		err = NewConnectionError(ErrCodeConnectCancelled, GetErrorDescription(ErrCodeConnectCancelled), ctx.Err())
	}
	if err != nil {
		_ = collector.RecordError(context.Background(), connectionID, "connection", err.Error())
		_ = collector.EndConnection(context.Background(), connectionID, 0, 0, 0, err.Error())
		return nil, err
	}
	logger.Debug("Successfully established connection to %s", addr)

	out := NewChannel(newTrackedConn(conn, collector, c.Metrics, connectionID))
	dec := codec.NewResponseDecoder(out.Reader())
	out.setOnRequest(dec.PushMethod)

	p := NewPipeline(out,
		NewInterceptor(ep, connectionID, c.Listener),
		NewReplayHandler(client, ep),
	)
	p.Start(dec)
	return p, nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
