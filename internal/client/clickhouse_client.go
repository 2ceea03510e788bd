package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// ClickHouseClient is the connection used by the audit sink. Writes arrive
// in batches from a single flusher, so the pool stays small.
type ClickHouseClient struct {
	mu   sync.RWMutex
	conn driver.Conn
}

type clickhouseEndpoint struct {
	addr   string
	host   string
	secure bool
}

// parseClickHouseURL accepts clickhouse://, tcp://, http:// and https:// URLs
// or a bare host[:port]. The native protocol port is assumed when none is given.
func parseClickHouseURL(raw string) (clickhouseEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("clickhouse://" + raw)
		if err != nil {
			return clickhouseEndpoint{}, fmt.Errorf("parse clickhouse url: %w", err)
		}
	}

	ep := clickhouseEndpoint{host: u.Hostname()}
	switch u.Scheme {
	case "https", "clickhouses", "tcps":
		ep.secure = true
	}

	port := u.Port()
	if port == "" {
		port = "9000"
		if ep.secure {
			port = "9440"
		}
	}
	ep.addr = net.JoinHostPort(ep.host, port)
	return ep, nil
}

// NewClickHouseClient dials ClickHouse and verifies the connection with a ping.
func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	chCfg := cfg.Clickhouse

	ep, err := parseClickHouseURL(chCfg.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Addr: []string{ep.addr},
		Auth: ch.Auth{
			Database: chCfg.Database,
			Username: chCfg.Username,
			Password: chCfg.Password,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     8,
		MaxIdleConns:     4,
		ConnMaxLifetime:  30 * time.Minute,
		ConnOpenStrategy: ch.ConnOpenInOrder,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
	}

	if ep.secure || cfg.IsProduction() {
		tlsCfg, err := tlsFiles{
			ServerName: ep.host,
			CAFile:     util.GetEnv("CLICKHOUSE_CA_FILE", ""),
		}.load()
		if err != nil {
			return nil, fmt.Errorf("clickhouse tls: %w", err)
		}
		opts.TLS = tlsCfg
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse at %s: %w", ep.addr, err)
	}

	util.Info("ClickHouse audit connection ready",
		zap.String("addr", ep.addr),
		zap.String("database", chCfg.Database),
		zap.Bool("tls", opts.TLS != nil),
	)
	return &ClickHouseClient{conn: conn}, nil
}

// Exec runs a statement that returns no rows, such as table DDL.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert appends rows to one native batch and sends it.
// An empty batch is a no-op.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch of %d rows: %w", len(rows), err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return errors.New("clickhouse connection closed")
	}
	return c.conn.Ping(ctx)
}

// Close is idempotent.
func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		util.Error("ClickHouse close failed", zap.Error(err))
		return err
	}
	return nil
}
