package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"github.com/codefionn/httprelay/httprelay-srv/metrics"
	"github.com/codefionn/httprelay/httprelay-srv/stats"
)

// LogListener logs every observed head at debug level.
type LogListener struct{}

func (LogListener) Notify(ev Event) {
	if !logger.IsLevelEnabled(logger.DEBUG) {
		return
	}
	switch {
	case ev.Request != nil:
		logger.Debug("Intercepted request to %s: %s", ev.Endpoint, ev.Request)
	case ev.Response != nil:
		logger.Debug("Intercepted response from %s: %s", ev.Endpoint, ev.Response)
	}
}

// RecordingListener writes observed heads to the statistics backend.
type RecordingListener struct {
	collector stats.Collector
}

func NewRecordingListener(collector stats.Collector) *RecordingListener {
	return &RecordingListener{collector: collector}
}

func (r *RecordingListener) Notify(ev Event) {
	ctx := context.Background()
	switch {
	case ev.Request != nil:
		req := ev.Request
		host := req.Header.Get("Host")
		if host == "" {
			host = ev.Endpoint.Host
		}
		url := "http://" + host + req.URI
		if err := r.collector.RecordHTTPRequest(ctx, ev.ConnectionID, req.Method, url, host, req.Header.Get("User-Agent"), req.Header.ToMap()); err != nil {
			logger.Error("Failed to record request to %s: %v", ev.Endpoint, err)
		}
	case ev.Response != nil:
		if err := r.collector.RecordHTTPResponse(ctx, ev.ConnectionID, ev.Response.StatusCode, ev.Response.Header.ToMap()); err != nil {
			logger.Error("Failed to record response from %s: %v", ev.Endpoint, err)
		}
	}
}

// MultiListener fans events out to several listeners in order.
type MultiListener []Listener

func (m MultiListener) Notify(ev Event) {
	for _, l := range m {
		l.Notify(ev)
	}
}

// AsyncListener delivers events to the wrapped listener from its own
// goroutine. Notify never blocks: when the queue is full the event is
// dropped and counted.
type AsyncListener struct {
	next    Listener
	queue   chan Event
	metrics *metrics.Metrics
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncListener starts a worker that drains a queue of size events.
func NewAsyncListener(next Listener, size int, m *metrics.Metrics) *AsyncListener {
	if size < 1 {
		size = 1
	}
	a := &AsyncListener{
		next:    next,
		queue:   make(chan Event, size),
		metrics: m,
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

func (a *AsyncListener) worker() {
	defer a.wg.Done()
	for ev := range a.queue {
		a.deliver(ev)
	}
}

func (a *AsyncListener) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Interception listener panicked: %v", r)
		}
	}()
	a.next.Notify(ev)
}

func (a *AsyncListener) Notify(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		if a.dropped.Add(1)%1000 == 1 {
			logger.Warn("%s: dropped %d events so far", GetErrorDescription(ErrCodeInterceptQueueFull), a.dropped.Load())
		}
		a.metrics.InterceptDropped()
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (a *AsyncListener) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits up to timeout for queued ones to be
// delivered.
func (a *AsyncListener) Close(timeout time.Duration) {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Interception queue not drained after %v", timeout)
	}
}
