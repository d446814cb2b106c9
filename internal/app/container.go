package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/lead-drip-engine/internal/config"
	"github.com/acme/lead-drip-engine/internal/crm"
	crmrest "github.com/acme/lead-drip-engine/internal/crm/rest"
	"github.com/acme/lead-drip-engine/internal/infra/db"
	"github.com/acme/lead-drip-engine/internal/infra/redis"
	"github.com/acme/lead-drip-engine/internal/messaging"
	messagingMock "github.com/acme/lead-drip-engine/internal/messaging/mock"
	"github.com/acme/lead-drip-engine/internal/pipeline"
	"github.com/acme/lead-drip-engine/internal/queue"
	"github.com/acme/lead-drip-engine/internal/repository"
	pgrepo "github.com/acme/lead-drip-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/lead-drip-engine/internal/repository/scylla"
	campaignsvc "github.com/acme/lead-drip-engine/internal/service/campaign"
	"github.com/acme/lead-drip-engine/internal/service/common"
	"github.com/acme/lead-drip-engine/internal/service/ratelimit"
	"github.com/acme/lead-drip-engine/internal/service/template"
	"github.com/acme/lead-drip-engine/internal/webhook"
	"github.com/acme/lead-drip-engine/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		publishers   *publishers
		services     *services
		providers    *providers
	}
}

type repositories struct {
	Campaign repository.CampaignRepository
	Contacts repository.ContactRepository
	Stats    repository.CampaignStatisticsRepository
	EventLog repository.EventLogStore
}

type publishers struct {
	Dispatch   *queue.DispatchPublisher
	Events     *queue.EventPublisher
	DeadLetter *queue.DeadLetterPublisher
}

type services struct {
	Campaign   *campaignsvc.Service
	Renderer   *template.Renderer
	Correlator *webhook.Correlator
	Mapper     *pipeline.Mapper
	Limiter    *ratelimit.Limiter
}

type providers struct {
	Messaging messaging.Provider
	CRM       crm.Client
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Campaign: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Contacts: pgrepo.NewContactRepository(c.Postgres.DB()),
			Stats:    pgrepo.NewCampaignStatisticsRepository(c.Postgres.DB()),
			EventLog: scyllarepo.NewEventLog(c.Scylla.Session(), c.Config.Scylla.EventTTL),
		}

		pubs := &publishers{
			Dispatch:   queue.NewDispatchPublisher(c.Kafka, c.Config.Kafka.DispatchTopic),
			Events:     queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventsTopic),
			DeadLetter: queue.NewDeadLetterPublisher(c.Kafka, c.Config.Kafka.DeadLetterTopic),
		}

		limiter := ratelimit.NewLimiter(c.Redis.Inner())
		renderer := template.NewRenderer()

		crmClient := crmrest.NewClient(crmrest.Config{
			BaseURL:        c.Config.CRM.BaseURL,
			APIKey:         c.Config.CRM.APIKey,
			RequestTimeout: c.Config.CRM.RequestTimeout,
		})

		svcs := &services{
			Campaign: campaignsvc.NewService(
				repos.Campaign,
				repos.Contacts,
				repos.Stats,
				renderer,
				limiter,
				c.Config.Provider.MaxSendAttempts,
				c.Logger.Logger,
			),
			Renderer: renderer,
			Correlator: webhook.NewCorrelator(
				repos.Contacts,
				common.PhoneMatchPolicy(c.Config.Correlation.PhoneMatchPolicy),
				c.Logger.Logger,
			),
			Mapper:  pipeline.NewMapper(crmClient, c.Logger.Logger),
			Limiter: limiter,
		}

		provs := &providers{
			Messaging: messagingMock.NewProvider(),
			CRM:       crmClient,
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
		c.components.providers = provs
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Providers exposes external integrations.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// EnsureInfrastructure creates Kafka topics and the Scylla schema.
func (c *Container) EnsureInfrastructure(ctx context.Context) error {
	topics := []string{
		c.Config.Kafka.DispatchTopic,
		c.Config.Kafka.EventsTopic,
		c.Config.Kafka.DeadLetterTopic,
	}
	if err := c.Kafka.EnsureTopics(ctx, topics, 3, 1); err != nil {
		return fmt.Errorf("ensure kafka topics: %w", err)
	}

	if log, ok := c.Repositories().EventLog.(*scyllarepo.EventLog); ok {
		if err := log.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure scylla schema: %w", err)
		}
	}
	return nil
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.Dispatch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dispatch publisher close: %w", err))
		}
		if err := p.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
		if err := p.DeadLetter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
