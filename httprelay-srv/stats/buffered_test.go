package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCollector remembers every call with the connection id it received.
type recordingCollector struct {
	DummyCollector
	mu     sync.Mutex
	nextID int64
	calls  []string
	ids    []int64
	failOn string
	closed bool
}

func (r *recordingCollector) record(call string, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call == r.failOn {
		return errors.New("backend down")
	}
	r.calls = append(r.calls, call)
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	r.mu.Lock()
	r.nextID += 100
	id := r.nextID
	r.mu.Unlock()
	return id, r.record("start", id)
}

func (r *recordingCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return r.record("end", connectionID)
}

func (r *recordingCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headers map[string][]string) error {
	return r.record("request", connectionID)
}

func (r *recordingCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return r.record("error", connectionID)
}

func (r *recordingCollector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestBufferedCollectorTranslatesIDs(t *testing.T) {
	under := &recordingCollector{}
	bc := NewBufferedCollectorWithInterval(under, time.Hour)
	defer bc.Close()
	ctx := context.Background()

	first, err := bc.StartConnection(ctx, "", "x", 80, "http")
	require.NoError(t, err)
	second, err := bc.StartConnection(ctx, "", "y", 80, "http")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, bc.RecordHTTPRequest(ctx, second, "GET", "/", "y", "", nil))
	require.NoError(t, bc.RecordError(ctx, 0, "connect", "refused"))
	require.NoError(t, bc.EndConnection(ctx, first, 0, 0, 0, ""))

	under.mu.Lock()
	assert.Empty(t, under.calls, "nothing is written before a flush")
	under.mu.Unlock()

	bc.ForceFlush()

	under.mu.Lock()
	defer under.mu.Unlock()
	assert.Equal(t, []string{"start", "start", "request", "error", "end"}, under.calls)
	assert.Equal(t, []int64{100, 200, 200, 0, 100}, under.ids)
}

func TestBufferedCollectorCloseFlushes(t *testing.T) {
	under := &recordingCollector{}
	bc := NewBufferedCollectorWithInterval(under, time.Hour)

	_, err := bc.StartConnection(context.Background(), "", "x", 80, "http")
	require.NoError(t, err)
	require.NoError(t, bc.Close())
	require.NoError(t, bc.Close())

	under.mu.Lock()
	defer under.mu.Unlock()
	assert.Equal(t, []string{"start"}, under.calls)
	assert.True(t, under.closed)
}

func TestBufferedCollectorDropsWhenFull(t *testing.T) {
	under := &recordingCollector{}
	bc := NewBufferedCollectorWithInterval(under, time.Hour)
	defer bc.Close()
	bc.maxPending = 2

	for i := 0; i < 5; i++ {
		require.NoError(t, bc.RecordError(context.Background(), 0, "connect", "refused"))
	}
	assert.Equal(t, int64(3), bc.Dropped())

	bc.ForceFlush()
	under.mu.Lock()
	assert.Len(t, under.calls, 2)
	under.mu.Unlock()
}

func TestBufferedCollectorContinuesAfterFailure(t *testing.T) {
	under := &recordingCollector{failOn: "request"}
	bc := NewBufferedCollectorWithInterval(under, time.Hour)
	defer bc.Close()
	ctx := context.Background()

	id, _ := bc.StartConnection(ctx, "", "x", 80, "http")
	_ = bc.RecordHTTPRequest(ctx, id, "GET", "/", "x", "", nil)
	_ = bc.EndConnection(ctx, id, 0, 0, 0, "")
	bc.ForceFlush()

	under.mu.Lock()
	defer under.mu.Unlock()
	assert.Equal(t, []string{"start", "end"}, under.calls)
}

func TestBufferedCollectorWithSQLite(t *testing.T) {
	sqlite := newTestSQLite(t)
	bc := NewBufferedCollectorWithInterval(sqlite, 10*time.Millisecond)
	defer bc.Close()
	ctx := context.Background()

	id, err := bc.StartConnection(ctx, "127.0.0.1", "example.com", 80, "http")
	require.NoError(t, err)
	require.NoError(t, bc.RecordHTTPRequest(ctx, id, "GET", "/", "example.com", "", nil))

	require.Eventually(t, func() bool {
		overview, err := bc.GetOverviewStats(ctx)
		return err == nil && overview.TotalRequests == 1 && overview.TotalConnections == 1
	}, 2*time.Second, 10*time.Millisecond)
}
