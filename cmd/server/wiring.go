package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/fanout-dispatch/internal/cache"
	"github.com/notifyhub/fanout-dispatch/internal/config"
	"github.com/notifyhub/fanout-dispatch/internal/db"
	"github.com/notifyhub/fanout-dispatch/internal/directory"
	"github.com/notifyhub/fanout-dispatch/internal/domain"
	"github.com/notifyhub/fanout-dispatch/internal/provider"
	"github.com/notifyhub/fanout-dispatch/internal/queue"
	"github.com/notifyhub/fanout-dispatch/internal/repository"
)

// deps holds the backends selected by configuration. close releases them in
// reverse order of acquisition.
type deps struct {
	repo    repository.DeliveryRepository
	dir     directory.Directory
	q       queue.Queue
	senders *provider.Registry

	closers []func()
}

func (d *deps) onClose(f func()) { d.closers = append(d.closers, f) }

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildDeps connects every configured backend. On error, whatever was
// already opened is closed before returning.
func buildDeps(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (_ *deps, err error) {
	d := &deps{}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		if pool, err = db.Connect(ctx, cfg); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		d.onClose(pool.Close)
		if migrate {
			if err = db.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
			logger.Info("database migrations applied")
		}
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		if rdb, err = db.ConnectRedis(ctx, cfg); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		d.onClose(func() { _ = rdb.Close() })
	}

	if d.repo, err = openStore(cfg, pool, d); err != nil {
		return nil, err
	}
	if cfg.ContentCacheEnabled {
		d.repo = repository.NewCachedDeliveryRepository(d.repo, cache.NewRedisContentCache(rdb), cfg.ContentCacheTTL, logger)
	}

	if d.dir, err = openDirectory(ctx, cfg, pool, logger); err != nil {
		return nil, err
	}

	if d.q, err = openQueue(ctx, cfg, rdb, d); err != nil {
		return nil, err
	}

	if d.senders, err = buildSenders(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func openStore(cfg *config.Config, pool *pgxpool.Pool, d *deps) (repository.DeliveryRepository, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		return repository.NewPgDeliveryRepository(pool), nil
	case config.BackendSQLite:
		sqlDB, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		d.onClose(func() { _ = sqlDB.Close() })
		return repository.NewSQLiteDeliveryRepository(sqlDB), nil
	case config.BackendMemory:
		return repository.NewMemoryDeliveryRepository(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func openDirectory(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (directory.Directory, error) {
	var dir interface {
		directory.Directory
		directory.Upserter
	}
	switch cfg.DirectoryBackend {
	case config.BackendPostgres:
		dir = directory.NewPgDirectory(pool)
	case config.BackendMemory:
		dir = directory.NewMemoryDirectory()
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.DirectoryBackend)
	}

	if cfg.DirectorySeedFile != "" {
		recipients, err := directory.LoadSeedFile(cfg.DirectorySeedFile)
		if err != nil {
			return nil, err
		}
		if err := directory.Seed(ctx, dir, recipients); err != nil {
			return nil, err
		}
		logger.Info("directory seeded", zap.Int("recipients", len(recipients)))
	}
	return dir, nil
}

func openQueue(ctx context.Context, cfg *config.Config, rdb *redis.Client, d *deps) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.BackendMemory:
		q := queue.New()
		d.onClose(q.Close)
		return q, nil
	case config.BackendRedis:
		consumer := cfg.QueueConsumerName
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		q := queue.NewRedisStreamQueue(rdb, queue.RedisStreamOptions{
			Prefix:            cfg.QueueStreamPrefix,
			Group:             cfg.QueueConsumerGroup,
			Consumer:          consumer,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
			MaxLen:            cfg.QueueStreamMaxLen,
		})
		if err := q.EnsureGroups(ctx); err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

// buildSenders registers one sender per configured channel. Channels left
// out fail their deliveries with ChannelUnsupported.
func buildSenders(cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	if cfg.WebhookSMSURL != "" {
		reg.Register(domain.ChannelSMS, provider.NewWebhookProvider(cfg.WebhookSMSURL, cfg.ProviderTimeout))
	}
	if cfg.WebhookPushURL != "" {
		reg.Register(domain.ChannelPush, provider.NewWebhookProvider(cfg.WebhookPushURL, cfg.ProviderTimeout))
	}

	switch cfg.EmailProvider {
	case "":
	case config.EmailSMTP:
		reg.Register(domain.ChannelEmail, provider.NewSMTPProvider(provider.SMTPConfig{
			Host:           cfg.SMTPHost,
			Port:           cfg.SMTPPort,
			Username:       cfg.SMTPUsername,
			Password:       cfg.SMTPPassword,
			Encryption:     cfg.SMTPEncryption,
			FromAddr:       cfg.EmailFrom,
			DefaultSubject: cfg.EmailDefaultSubject,
			Timeout:        cfg.ProviderTimeout,
		}))
	case config.EmailPostmark:
		pm, err := provider.NewPostmarkProvider(provider.PostmarkConfig{
			ServerToken:    cfg.PostmarkServerToken,
			AccountToken:   cfg.PostmarkAccountToken,
			FromAddr:       cfg.EmailFrom,
			DefaultSubject: cfg.EmailDefaultSubject,
			MessageStream:  cfg.PostmarkMessageStream,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(domain.ChannelEmail, pm)
	default:
		return nil, errors.New("unknown email provider " + cfg.EmailProvider)
	}
	return reg, nil
}
