package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/logger"
)

// DefaultMaxPending bounds the number of buffered operations.
const DefaultMaxPending = 10000

// pendingOp is a buffered write; resolve maps a buffered connection id to the
// id the underlying collector assigned.
type pendingOp func(ctx context.Context, resolve func(int64) int64) error

// BufferedCollector queues writes in memory and applies them to the
// underlying collector from a single flusher goroutine, so callers on the
// connection path never wait for the database. Connection ids it hands out
// are local and are translated when the queue is flushed.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration
	maxPending int

	nextID  atomic.Int64
	dropped atomic.Int64

	mu      sync.Mutex
	pending []pendingOp

	flushMu sync.Mutex
	ids     map[int64]int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBufferedCollector creates a buffered collector flushing every five seconds
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second)
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		maxPending: DefaultMaxPending,
		ids:        make(map[int64]int64),
		stopChan:   make(chan struct{}),
	}

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

func (b *BufferedCollector) flusher() {
	defer b.wg.Done()

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

func (b *BufferedCollector) enqueue(op pendingOp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.maxPending {
		if b.dropped.Add(1) == 1 {
			logger.Warn("Stats buffer full (%d operations), dropping writes", b.maxPending)
		}
		return
	}
	b.pending = append(b.pending, op)
}

// Dropped returns the number of writes discarded because the buffer was full.
func (b *BufferedCollector) Dropped() int64 {
	return b.dropped.Load()
}

// StartConnection returns a local connection id immediately
func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	local := b.nextID.Add(1)
	b.enqueue(func(ctx context.Context, _ func(int64) int64) error {
		id, err := b.underlying.StartConnection(ctx, clientIP, targetHost, targetPort, protocol)
		if err != nil {
			return err
		}
		b.ids[local] = id
		return nil
	})
	return local, nil
}

func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.enqueue(func(ctx context.Context, resolve func(int64) int64) error {
		defer delete(b.ids, connectionID)
		return b.underlying.EndConnection(ctx, resolve(connectionID), bytesSent, bytesReceived, duration, closeReason)
	})
	return nil
}

func (b *BufferedCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headers map[string][]string) error {
	b.enqueue(func(ctx context.Context, resolve func(int64) int64) error {
		return b.underlying.RecordHTTPRequest(ctx, resolve(connectionID), method, url, host, userAgent, headers)
	})
	return nil
}

func (b *BufferedCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, headers map[string][]string) error {
	b.enqueue(func(ctx context.Context, resolve func(int64) int64) error {
		return b.underlying.RecordHTTPResponse(ctx, resolve(connectionID), statusCode, headers)
	})
	return nil
}

func (b *BufferedCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	b.enqueue(func(ctx context.Context, resolve func(int64) int64) error {
		return b.underlying.RecordError(ctx, resolve(connectionID), errorType, errorMessage)
	})
	return nil
}

func (b *BufferedCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	b.enqueue(func(ctx context.Context, resolve func(int64) int64) error {
		return b.underlying.RecordDataTransfer(ctx, resolve(connectionID), bytesSent, bytesReceived)
	})
	return nil
}

func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// flush writes all buffered data to the underlying collector
func (b *BufferedCollector) flush() {
	b.mu.Lock()
	ops := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(ops) == 0 {
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	logger.Debug("Flushing stats data %d", len(ops))

	resolve := func(local int64) int64 {
		if local == 0 {
			return 0
		}
		return b.ids[local]
	}

	ctx := context.Background()
	failed := 0
	for _, op := range ops {
		if err := op(ctx, resolve); err != nil {
			failed++
			if failed == 1 {
				logger.Error("Failed to write stats: %v", err)
			}
		}
	}
	if failed > 1 {
		logger.Error("%d stats writes failed during flush", failed)
	}
}

// ForceFlush immediately flushes all buffered data
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// Close stops the flusher and writes any remaining data
func (b *BufferedCollector) Close() error {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
	return b.underlying.Close()
}

// GetOverviewStats delegates to underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

// GetRecentErrors delegates to underlying collector
func (b *BufferedCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return b.underlying.GetRecentErrors(ctx, limit)
}
