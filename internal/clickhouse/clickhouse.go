// Package clickhouse is the read layer over the request archive. The
// receiver never writes here; the capture pipeline lands rows through
// Convex, and this package only serves the trusted /search endpoint.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Conn wraps a native-protocol ClickHouse connection.
type Conn struct {
	conn     driver.Conn
	database string
}

// Open connects to ClickHouse and verifies the connection.
func Open(addr, database, username, password string) (*Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping failed (%s): %w", addr, err)
	}

	return &Conn{conn: conn, database: database}, nil
}

// Database returns the configured database name for query building.
func (c *Conn) Database() string {
	return c.database
}

// Close shuts down the connection pool.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// QueryRequests runs a SELECT over the requests table and shapes the rows
// for the search API.
func (c *Conn) QueryRequests(ctx context.Context, sql string) ([]SearchResult, error) {
	var rows []RequestRow
	if err := c.conn.Select(ctx, &rows, sql); err != nil {
		return nil, fmt.Errorf("clickhouse select: %w", err)
	}

	results := make([]SearchResult, 0, len(rows))
	for i := range rows {
		results = append(results, rows[i].ToSearchResult())
	}
	return results, nil
}
