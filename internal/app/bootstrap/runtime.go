package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/whatsapp-concierge/internal/config"
	"github.com/wolfman30/whatsapp-concierge/internal/events"
	"github.com/wolfman30/whatsapp-concierge/internal/tenancy"
	"github.com/wolfman30/whatsapp-concierge/pkg/logging"
)

// Infra holds the shared clients every binary needs. Redis and Events are
// optional and may be nil. SQL is a database/sql view of Pool.
type Infra struct {
	Pool   *pgxpool.Pool
	SQL    *sql.DB
	Redis  *redis.Client
	AWS    aws.Config
	Vault  *tenancy.Vault
	Events *events.Publisher
}

// Close releases connections.
func (i *Infra) Close() {
	if i == nil {
		return
	}
	if i.Events != nil {
		i.Events.Close()
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.SQL != nil {
		_ = i.SQL.Close()
	}
	if i.Pool != nil {
		i.Pool.Close()
	}
}

// BuildInfra connects to Postgres, Redis and NATS and loads the vault.
func BuildInfra(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*Infra, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	vault, err := tenancy.NewVault(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: vault: %w", err)
	}
	pool, err := BuildPostgresPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	infra := &Infra{
		Pool:  pool,
		SQL:   stdlib.OpenDBFromPool(pool),
		Redis: BuildRedisClient(ctx, cfg, logger, true),
		AWS:   awsCfg,
		Vault: vault,
	}
	if strings.TrimSpace(cfg.NATSURL) != "" {
		pub, err := events.ConnectPublisher(ctx, cfg.NATSURL, cfg.NATSStream, logger)
		if err != nil {
			logger.Warn("conversation events disabled", "error", err)
		} else {
			infra.Events = pub
		}
	}
	return infra, nil
}

// BuildPostgresPool opens and pings the database.
func BuildPostgresPool(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("bootstrap: DATABASE_URL is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}
