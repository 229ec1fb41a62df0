package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlCollector implements Collector on database/sql. The sqlite and postgres
// collectors differ only in placeholder style and in how inserted ids are
// returned.
type sqlCollector struct {
	db         *sql.DB
	positional bool // $1 placeholders and RETURNING id
}

// rebind rewrites ? placeholders to $n when the backend needs it.
func (s *sqlCollector) rebind(query string) string {
	if !s.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func (s *sqlCollector) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	if s.positional {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(query)+" RETURNING id", args...).Scan(&id)
		return id, err
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func headersJSON(headers map[string][]string) (any, error) {
	if headers == nil {
		return nil, nil
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// StartConnection records the start of a connection
func (s *sqlCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	id, err := s.insertID(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		nullableString(clientIP), targetHost, targetPort, protocol, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (s *sqlCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at_ms = ?, bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UnixMilli(), bytesSent, bytesReceived, duration.Milliseconds(), nullableString(closeReason), connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records a request head
func (s *sqlCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host, userAgent string, headers map[string][]string) error {
	encoded, err := headersJSON(headers)
	if err != nil {
		return fmt.Errorf("failed to encode request headers: %w", err)
	}
	err = s.exec(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, user_agent, headers, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		connectionID, method, url, nullableString(host), nullableString(userAgent), encoded, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records a response head
func (s *sqlCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, headers map[string][]string) error {
	encoded, err := headersJSON(headers)
	if err != nil {
		return fmt.Errorf("failed to encode response headers: %w", err)
	}
	err = s.exec(ctx,
		`INSERT INTO http_responses (connection_id, status_code, headers, timestamp_ms)
		 VALUES (?, ?, ?, ?)`,
		connectionID, statusCode, encoded, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *sqlCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp_ms)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer adds transferred bytes to a connection
func (s *sqlCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?
		 WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// GetOverviewStats returns overview statistics
func (s *sqlCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN ended_at_ms IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(bytes_received), 0),
			COALESCE(SUM(bytes_sent), 0)
		 FROM connections`).Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.TotalBytesIn, &stats.TotalBytesOut)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM http_requests").Scan(&stats.TotalRequests); err != nil {
		return nil, fmt.Errorf("failed to get total requests: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM http_responses").Scan(&stats.TotalResponses); err != nil {
		return nil, fmt.Errorf("failed to get total responses: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}

	return stats, nil
}

// GetRecentErrors returns error counts per type, most recent first
func (s *sqlCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT e.error_type, COUNT(*), MAX(e.timestamp_ms),
			(SELECT e2.error_message FROM errors e2
			 WHERE e2.error_type = e.error_type
			 ORDER BY e2.timestamp_ms DESC, e2.id DESC LIMIT 1)
		 FROM errors e
		 GROUP BY e.error_type
		 ORDER BY MAX(e.timestamp_ms) DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent errors: %w", err)
	}
	defer rows.Close()

	var summaries []ErrorSummary
	for rows.Next() {
		var es ErrorSummary
		var lastMs int64
		var lastMessage sql.NullString
		if err := rows.Scan(&es.ErrorType, &es.Count, &lastMs, &lastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan error summary: %w", err)
		}
		es.LastMessage = lastMessage.String
		es.LastOccurred = time.UnixMilli(lastMs)
		summaries = append(summaries, es)
	}
	return summaries, rows.Err()
}

// HealthCheck pings the database
func (s *sqlCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlCollector) Close() error {
	return s.db.Close()
}
