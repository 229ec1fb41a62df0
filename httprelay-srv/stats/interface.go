package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics.
// Connection ids are opaque; 0 means "no connection" and is accepted by every
// Record method.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Message heads observed by the interceptor
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headers map[string][]string) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, headers map[string][]string) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	// Queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalRequests     int64 `json:"total_requests"`
	TotalResponses    int64 `json:"total_responses"`
	TotalErrors       int64 `json:"total_errors"`
	TotalBytesIn      int64 `json:"total_bytes_in"`
	TotalBytesOut     int64 `json:"total_bytes_out"`
}

// ErrorSummary represents error statistics
type ErrorSummary struct {
	ErrorType    string    `json:"error_type"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}
