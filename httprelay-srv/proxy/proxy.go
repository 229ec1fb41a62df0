package proxy

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/config"
	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"github.com/codefionn/httprelay/httprelay-srv/metrics"
	"github.com/codefionn/httprelay/httprelay-srv/stats"
	"golang.org/x/sync/errgroup"
)

// Proxy assembles the servers of one configuration with the shared router,
// connector, statistics collector and interception sinks.
type Proxy struct {
	config    *config.Config
	servers   []*Server
	router    *Router
	connector *Connector
	stats.Collector

	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	async         *AsyncListener
	redis         *RedisListener
	nextID        atomic.Int64
}

// NewProxy compiles the routing rules and builds every enabled server.
// Invalid classifiers are an error; a failing statistics backend is logged
// and replaced by the dummy collector.
func NewProxy(cfg *config.Config) (*Proxy, error) {
	router, err := NewRouter(cfg)
	if err != nil {
		return nil, err
	}

	p := &Proxy{
		config:  cfg,
		servers: make([]*Server, 0, len(cfg.Servers)),
		router:  router,
		metrics: metrics.New(),
	}

	if cfg.Statistics.Enabled {
		factory := stats.NewCollectorFactory()
		p.Collector, err = factory.CreateCollector(&cfg.Statistics)
		if err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			p.Collector = stats.NewDummyCollector()
		}
	} else {
		p.Collector = stats.NewDummyCollector()
	}

	p.connector = NewConnector(cfg, router, p.Collector, p.metrics, p.buildListener())

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}
		p.servers = append(p.servers, NewServer(serverCfg, p.connector, p.metrics, &p.nextID))
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}

	return p, nil
}

// buildListener returns the interception sink chain, or nil when
// interception is off.
func (p *Proxy) buildListener() Listener {
	ic := p.config.Interception
	if !ic.Enabled {
		return nil
	}

	var sinks MultiListener
	if ic.Log {
		sinks = append(sinks, LogListener{})
	}
	if ic.Record {
		sinks = append(sinks, NewRecordingListener(p.Collector))
	}
	if ic.Redis.Address != "" {
		p.redis = NewRedisListener(ic.Redis)
		sinks = append(sinks, p.redis)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, LogListener{})
	}

	p.async = NewAsyncListener(sinks, ic.QueueSize, p.metrics)
	return p.async
}

func (p *Proxy) GetConfig() *config.Config {
	return p.config
}

// Servers returns the enabled servers.
func (p *Proxy) Servers() []*Server {
	return p.servers
}

// Metrics returns the proxy's metrics.
func (p *Proxy) Metrics() *metrics.Metrics {
	return p.metrics
}

func (p *Proxy) startMetrics() error {
	addr := p.config.Metrics.ListenAddress
	if addr == "" || p.metricsServer != nil {
		return nil
	}
	srv, err := p.metrics.Listen(addr)
	if err != nil {
		return NewConfigurationError(ErrCodeListenerCreateFailed, "failed to start metrics listener on "+addr, err)
	}
	logger.Info("Serving metrics on %s", srv.Addr())
	p.metricsServer = srv
	return nil
}

// Start runs every enabled server and blocks until all of them stopped. The
// first server error is returned.
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return NewConfigurationError(ErrCodeNoEnabledServers, GetErrorDescription(ErrCodeNoEnabledServers), nil)
	}
	if err := p.startMetrics(); err != nil {
		return err
	}

	var g errgroup.Group
	for _, server := range p.servers {
		g.Go(server.Start)
	}
	return g.Wait()
}

// StartWithListener serves the first enabled server on listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return NewConfigurationError(ErrCodeNoEnabledServers, GetErrorDescription(ErrCodeNoEnabledServers), nil)
	}
	if err := p.startMetrics(); err != nil {
		return err
	}
	return p.servers[0].StartWithListener(listener)
}

// Stop stops the servers and then flushes and closes the sinks and the
// collector.
func (p *Proxy) Stop() error {
	var errs []error

	for _, server := range p.servers {
		if err := server.Stop(); err != nil {
			logger.Error("Failed to stop proxy server on %s: %v", server.serverConfig.ListenAddress, err)
			errs = append(errs, err)
		}
	}

	if p.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.metricsServer.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if p.async != nil {
		p.async.Close(5 * time.Second)
	}
	if p.redis != nil {
		if err := p.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Collector != nil {
		if err := p.Collector.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
