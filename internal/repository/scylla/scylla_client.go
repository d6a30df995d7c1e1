package scylla

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"waitlist-service/internal/config"
	"waitlist-service/internal/util"
)

// Schema the repository expects. Applied by EnsureSchema in development.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS waitlist_by_identity (
        identity text PRIMARY KEY,
        id uuid,
        name text,
        referral_code text,
        referred_by text,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS waitlist_referral_codes (
        referral_code text PRIMARY KEY,
        identity text,
        created_at timestamp
    )`,
	`CREATE TABLE IF NOT EXISTS waitlist_stats (
        name text PRIMARY KEY,
        value counter
    )`,
}

// PreparedStatements holds the statement text used by the waitlist repository.
// gocql caches the prepared form per session.
type PreparedStatements struct {
	ClaimReferralCode   string
	ReleaseReferralCode string
	InsertEntry         string
	GetEntryByIdentity  string
	IncrementSignups    string
	GetSignups          string
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = parseConsistency(scyllaConfig.Consistency, gocql.LocalQuorum)
	cluster.SerialConsistency = parseSerialConsistency(scyllaConfig.SerialConsistency)
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = scyllaConfig.ConnectTimeout
	cluster.NumConns = scyllaConfig.NumConns
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 100
	// Store failures surface to the caller immediately; resubmission is the
	// client's call.
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 0}

	if scyllaConfig.CAFile != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAFile,
			EnableHostVerification: !cfg.IsDevelopment(),
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

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if !cfg.IsProduction() {
		if err := client.EnsureSchema(context.Background()); err != nil {
			session.Close()
			return nil, err
		}
	}

	client.prepareStatements()

	logger.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return
	}

	s.Prepared = &PreparedStatements{
		ClaimReferralCode: `INSERT INTO waitlist_referral_codes (referral_code, identity, created_at)
        VALUES (?, ?, ?) IF NOT EXISTS`,
		ReleaseReferralCode: `DELETE FROM waitlist_referral_codes WHERE referral_code = ? IF identity = ?`,
		InsertEntry: `INSERT INTO waitlist_by_identity (identity, id, name, referral_code, referred_by, created_at)
        VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		GetEntryByIdentity: `SELECT id FROM waitlist_by_identity WHERE identity = ?`,
		IncrementSignups:   `UPDATE waitlist_stats SET value = value + 1 WHERE name = 'signups'`,
		GetSignups:         `SELECT value FROM waitlist_stats WHERE name = 'signups'`,
	}
	s.isPrepared = true
}

// EnsureSchema creates the waitlist tables when missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("apply scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

// ScanRow reads a single row into dest.
func (s *ScyllaClient) ScanRow(ctx context.Context, stmt string, args []interface{}, dest ...interface{}) error {
	return s.Query(stmt, args...).WithContext(ctx).Scan(dest...)
}

// ExecCAS runs a conditional statement and reports whether it was applied.
func (s *ScyllaClient) ExecCAS(ctx context.Context, stmt string, args ...interface{}) (bool, error) {
	return s.Query(stmt, args...).WithContext(ctx).MapScanCAS(map[string]interface{}{})
}

func (s *ScyllaClient) Exec(ctx context.Context, stmt string, args ...interface{}) error {
	return s.Query(stmt, args...).WithContext(ctx).Exec()
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func parseConsistency(value string, fallback gocql.Consistency) gocql.Consistency {
	c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(strings.TrimSpace(value)))
	if err != nil {
		return fallback
	}
	return c
}

func parseSerialConsistency(value string) gocql.SerialConsistency {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "SERIAL":
		return gocql.Serial
	default:
		return gocql.LocalSerial
	}
}
