package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/metrics"
	"github.com/codefionn/httprelay/httprelay-srv/stats"
)

// reportInterval is how many bytes may accumulate before a running
// connection reports a data transfer delta.
const reportInterval = 64 * 1024

// trackedConn wraps an outbound net.Conn and reports its traffic to the
// stats collector and the byte counters.
type trackedConn struct {
	net.Conn
	collector    stats.Collector
	metrics      *metrics.Metrics
	connectionID int64
	startTime    time.Time

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	// guards the reported counters
	mu            sync.Mutex
	flushSent     int64
	flushReceived int64
	endOnce       sync.Once
}

func newTrackedConn(conn net.Conn, collector stats.Collector, m *metrics.Metrics, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		metrics:      m,
		connectionID: connectionID,
		startTime:    time.Now(),
	}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.metrics.Bytes("downstream", n)
		c.maybeReport()
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.metrics.Bytes("upstream", n)
		c.maybeReport()
	}
	return n, err
}

// maybeReport sends the delta since the last report once it reaches
// reportInterval.
func (c *trackedConn) maybeReport() {
	sent, recv := c.bytesSent.Load(), c.bytesReceived.Load()

	c.mu.Lock()
	deltaSent, deltaRecv := sent-c.flushSent, recv-c.flushReceived
	if deltaSent+deltaRecv < reportInterval {
		c.mu.Unlock()
		return
	}
	c.flushSent, c.flushReceived = sent, recv
	c.mu.Unlock()

	_ = c.collector.RecordDataTransfer(context.Background(), c.connectionID, deltaSent, deltaRecv)
}

// Close closes the connection and records the final statistics. The bytes
// not yet reported travel with EndConnection.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		closeReason := "normal"
		if err != nil {
			closeReason = err.Error()
		}
		sent, recv := c.bytesSent.Load(), c.bytesReceived.Load()
		c.mu.Lock()
		deltaSent, deltaRecv := sent-c.flushSent, recv-c.flushReceived
		c.flushSent, c.flushReceived = sent, recv
		c.mu.Unlock()
		_ = c.collector.EndConnection(context.Background(), c.connectionID,
			deltaSent, deltaRecv, time.Since(c.startTime), closeReason)
	})
	return err
}
