package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and
// caches each one on first use.
type Statements struct {
	ReserveEmail  string
	ReleaseEmail  string
	LookupEmail   string
	UpsertUser    string
	GetUserByID   string
	ClusterHealth string
}

var statements = Statements{
	ReserveEmail: `
        INSERT INTO users_by_email (email, user_id, created_at)
        VALUES (?, ?, ?) IF NOT EXISTS`,
	ReleaseEmail: `
        DELETE FROM users_by_email WHERE email = ? IF user_id = ?`,
	LookupEmail: `
        SELECT user_id FROM users_by_email WHERE email = ?`,
	UpsertUser: `
        INSERT INTO users_by_id (
            user_id, email, name, company_name, plan_id, role, password_hash,
            email_verified, is_active, verified_at, last_login, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	GetUserByID: `
        SELECT user_id, email, name, company_name, plan_id, role, password_hash,
            email_verified, is_active, verified_at, last_login, created_at, updated_at
        FROM users_by_id WHERE user_id = ?`,
	ClusterHealth: `SELECT cluster_name FROM system.local`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{Session: session, Statements: statements}, nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Query(ctx, s.Statements.ClusterHealth).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures; a missing row is returned at once.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
