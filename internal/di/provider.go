package di

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/config"
	"github.com/rekberid/rekberd/internal/core/escrow"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/core/webhook"
	"github.com/rekberid/rekberd/internal/core/withdrawal"
	"github.com/rekberid/rekberd/internal/idempotency"
	"github.com/rekberid/rekberd/internal/logging"
	"github.com/rekberid/rekberd/internal/scheduler"
	"github.com/rekberid/rekberd/internal/server"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
	"github.com/rekberid/rekberd/internal/storage/relationaldb/postgres"
)

// Provider configures and registers services in the container.
type Provider struct {
	container *Container
	config    *config.Config
}

// NewProvider creates a new service provider.
func NewProvider(container *Container, cfg *config.Config) *Provider {
	return &Provider{container: container, config: cfg}
}

// RegisterAll registers every service builder.
func (p *Provider) RegisterAll() error {
	p.container.Register(ServiceConfig, p.config)

	p.container.RegisterBuilder(ServiceLogger, func(c *Container) (interface{}, error) {
		return logging.New(p.config.App.Env)
	})

	p.registerStorageBuilders()
	p.registerCoreBuilders()
	p.registerBoundaryBuilders()
	return nil
}

func (p *Provider) registerStorageBuilders() {
	p.container.RegisterBuilder(ServiceDatabase, func(c *Container) (interface{}, error) {
		return postgres.NewDatabase(&relationaldb.Config{
			DSN:             p.config.Database.URL,
			MaxOpenConns:    p.config.Database.MaxOpenConns,
			MaxIdleConns:    p.config.Database.MaxIdleConns,
			ConnMaxLifetime: p.config.Database.ConnMaxLifetime,
		})
	})

	p.container.RegisterBuilder(ServiceRedis, func(c *Container) (interface{}, error) {
		if !p.config.Redis.Enabled() {
			return nil, nil
		}
		return redis.NewClient(&redis.Options{
			Addr:     p.config.Redis.Addr(),
			Password: p.config.Redis.Password,
			DB:       p.config.Redis.DB,
		}), nil
	})

	p.container.RegisterBuilder(ServiceIdempotency, func(c *Container) (interface{}, error) {
		client, err := c.Get(ServiceRedis)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return idempotency.NewMemoryStore(), nil
		}
		return idempotency.NewRedisStore(client.(*redis.Client)), nil
	})
}

func (p *Provider) registerCoreBuilders() {
	p.container.RegisterBuilder(ServiceLedger, func(c *Container) (interface{}, error) {
		log, err := p.logger(c)
		if err != nil {
			return nil, err
		}
		return ledger.NewService(log), nil
	})

	p.container.RegisterBuilder(ServiceWallet, func(c *Container) (interface{}, error) {
		db, ledgerSvc, log, err := p.base(c)
		if err != nil {
			return nil, err
		}
		return wallet.NewService(db, ledgerSvc, log), nil
	})

	p.container.RegisterBuilder(ServiceEscrow, func(c *Container) (interface{}, error) {
		db, _, log, err := p.base(c)
		if err != nil {
			return nil, err
		}
		wallets, err := p.wallets(c)
		if err != nil {
			return nil, err
		}
		return escrow.NewService(db, wallets, log), nil
	})

	p.container.RegisterBuilder(ServiceWithdrawal, func(c *Container) (interface{}, error) {
		db, _, log, err := p.base(c)
		if err != nil {
			return nil, err
		}
		wallets, err := p.wallets(c)
		if err != nil {
			return nil, err
		}
		return withdrawal.NewService(db, wallets, log), nil
	})

	p.container.RegisterBuilder(ServiceWebhook, func(c *Container) (interface{}, error) {
		db, _, log, err := p.base(c)
		if err != nil {
			return nil, err
		}
		wallets, err := p.wallets(c)
		if err != nil {
			return nil, err
		}
		escrows, err := c.Get(ServiceEscrow)
		if err != nil {
			return nil, err
		}
		withdrawals, err := c.Get(ServiceWithdrawal)
		if err != nil {
			return nil, err
		}
		return webhook.NewService(db, wallets,
			escrows.(*escrow.Service), withdrawals.(*withdrawal.Service),
			webhook.Config{
				MidtransServerKey: p.config.Midtrans.ServerKey,
				DisbursementKey:   p.config.Midtrans.DisbursementKey,
				TimestampWindow:   p.config.Midtrans.TimestampWindow,
			}, log), nil
	})
}

func (p *Provider) registerBoundaryBuilders() {
	p.container.RegisterBuilder(ServiceScheduler, func(c *Container) (interface{}, error) {
		db, _, log, err := p.base(c)
		if err != nil {
			return nil, err
		}
		wallets, err := p.wallets(c)
		if err != nil {
			return nil, err
		}
		escrows, err := c.Get(ServiceEscrow)
		if err != nil {
			return nil, err
		}
		webhooks, err := c.Get(ServiceWebhook)
		if err != nil {
			return nil, err
		}
		return scheduler.New(db,
			escrows.(*escrow.Service), webhooks.(*webhook.Service), wallets,
			scheduler.Config{
				AutoReleaseEvery:  p.config.Scheduler.AutoReleaseEvery,
				WebhookRetryEvery: p.config.Scheduler.WebhookRetryEvery,
				LimitResetEvery:   p.config.Scheduler.LimitResetEvery,
				ReconcileEvery:    p.config.Scheduler.ReconcileEvery,
				ReconcileWindow:   p.config.Scheduler.ReconcileWindow,
				BatchSize:         p.config.Withdrawal.MaxBatch,
			}, log), nil
	})

	p.container.RegisterBuilder(ServiceHTTPServer, func(c *Container) (interface{}, error) {
		db, _, log, err := p.base(c)
		if err != nil {
			return nil, err
		}
		wallets, err := p.wallets(c)
		if err != nil {
			return nil, err
		}
		escrows, err := c.Get(ServiceEscrow)
		if err != nil {
			return nil, err
		}
		withdrawals, err := c.Get(ServiceWithdrawal)
		if err != nil {
			return nil, err
		}
		webhooks, err := c.Get(ServiceWebhook)
		if err != nil {
			return nil, err
		}
		idem, err := c.Get(ServiceIdempotency)
		if err != nil {
			return nil, err
		}
		return server.New(db, wallets,
			escrows.(*escrow.Service), withdrawals.(*withdrawal.Service),
			webhooks.(*webhook.Service), idem.(idempotency.Store),
			p.config, log), nil
	})
}

func (p *Provider) logger(c *Container) (*zap.Logger, error) {
	log, err := c.Get(ServiceLogger)
	if err != nil {
		return nil, err
	}
	return log.(*zap.Logger), nil
}

func (p *Provider) base(c *Container) (relationaldb.Database, *ledger.Service, *zap.Logger, error) {
	db, err := c.Get(ServiceDatabase)
	if err != nil {
		return nil, nil, nil, err
	}
	ledgerSvc, err := c.Get(ServiceLedger)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := p.logger(c)
	if err != nil {
		return nil, nil, nil, err
	}
	return db.(relationaldb.Database), ledgerSvc.(*ledger.Service), log, nil
}

func (p *Provider) wallets(c *Container) (*wallet.Service, error) {
	w, err := c.Get(ServiceWallet)
	if err != nil {
		return nil, err
	}
	return w.(*wallet.Service), nil
}

// GetDatabase returns the database from the container.
func (p *Provider) GetDatabase() (relationaldb.Database, error) {
	db, err := p.container.Get(ServiceDatabase)
	if err != nil {
		return nil, err
	}
	return db.(relationaldb.Database), nil
}

// GetScheduler returns the scheduler from the container.
func (p *Provider) GetScheduler() (*scheduler.Scheduler, error) {
	s, err := p.container.Get(ServiceScheduler)
	if err != nil {
		return nil, err
	}
	return s.(*scheduler.Scheduler), nil
}

// GetHTTPServer returns the HTTP server from the container.
func (p *Provider) GetHTTPServer() (*server.Server, error) {
	s, err := p.container.Get(ServiceHTTPServer)
	if err != nil {
		return nil, err
	}
	return s.(*server.Server), nil
}

// GetWalletService returns the wallet service from the container.
func (p *Provider) GetWalletService() (*wallet.Service, error) {
	return p.wallets(p.container)
}

// GetLedgerService returns the ledger service from the container.
func (p *Provider) GetLedgerService() (*ledger.Service, error) {
	svc, err := p.container.Get(ServiceLedger)
	if err != nil {
		return nil, err
	}
	return svc.(*ledger.Service), nil
}

// GetConfig returns the configuration from the container.
func (p *Provider) GetConfig() *config.Config {
	return p.config
}
