// Package app wires the production dependencies shared by the API and
// worker entry points.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"commerce-agent/internal/admission"
	"commerce-agent/internal/batch"
	"commerce-agent/internal/catalog"
	"commerce-agent/internal/config"
	"commerce-agent/internal/debounce"
	"commerce-agent/internal/delivery"
	"commerce-agent/internal/escalation"
	"commerce-agent/internal/integrations/messenger"
	"commerce-agent/internal/integrations/openai"
	"commerce-agent/internal/integrations/paramstore"
	"commerce-agent/internal/integrations/telegram"
	"commerce-agent/internal/lock"
	"commerce-agent/internal/orders"
	"commerce-agent/internal/reply"
	"commerce-agent/internal/repository"
	"commerce-agent/internal/scheduler"
	"commerce-agent/internal/tasks"
	"commerce-agent/internal/usecase"
)

const httpTimeout = 25 * time.Second

// App holds the use cases and the long-lived clients behind them.
type App struct {
	Ingest    *usecase.IngestService
	Process   *usecase.ProcessService
	Locations *usecase.LocationService
	Control   *usecase.ControlService
	Scheduler *scheduler.Scheduler
	Tasks     *tasks.Supervisor

	rdb *redis.Client
}

// New connects to Redis and builds every component from cfg.
func New(ctx context.Context, cfg config.Config, awsCfg aws.Config) (*App, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: redis ping: %w", err)
	}

	a, err := build(cfg, awsCfg, rdb)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg config.Config, awsCfg aws.Config, rdb *redis.Client) (*App, error) {
	httpClient := &http.Client{Timeout: httpTimeout}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg), paramstore.WithCacheTTL(cfg.ParamCacheTTL))
	if err != nil {
		return nil, fmt.Errorf("app: param store: %w", err)
	}
	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, fmt.Errorf("app: repository: %w", err)
	}
	llm, err := openai.NewClient(params, cfg.ParamPrefix, openai.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("app: openai: %w", err)
	}
	sender, err := messenger.NewClient(params, cfg.ParamPrefix,
		messenger.WithHTTPClient(httpClient),
		messenger.WithRateLimit(cfg.SendRate, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("app: messenger: %w", err)
	}
	alerts, err := telegram.New(params, cfg.ParamPrefix, telegram.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("app: telegram: %w", err)
	}

	supervisor := tasks.NewSupervisor()

	products, err := catalog.NewCache(repo, cfg.CatalogTTL, time.Now)
	if err != nil {
		return nil, fmt.Errorf("app: catalog: %w", err)
	}
	acc, err := batch.New(rdb, cfg.BatchTTL)
	if err != nil {
		return nil, fmt.Errorf("app: batch: %w", err)
	}
	locker, err := lock.New(rdb)
	if err != nil {
		return nil, fmt.Errorf("app: lock: %w", err)
	}
	sched, err := scheduler.New(awssqs.NewFromConfig(awsCfg), rdb, cfg.ProcessQueueURL)
	if err != nil {
		return nil, fmt.Errorf("app: scheduler: %w", err)
	}
	deb, err := debounce.New(locker, sched, cfg.QuietPeriod, cfg.BurstThreshold)
	if err != nil {
		return nil, fmt.Errorf("app: debounce: %w", err)
	}
	limiter, err := admission.NewRateLimiter(rdb, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("app: rate limiter: %w", err)
	}
	gate, err := admission.NewGate(repo, repo, limiter, time.Now)
	if err != nil {
		return nil, fmt.Errorf("app: gate: %w", err)
	}
	replies, err := reply.NewGenerator(params, llm, products, cfg.ParamPrefix, cfg.PromptHistory)
	if err != nil {
		return nil, fmt.Errorf("app: reply generator: %w", err)
	}
	escalations, err := escalation.New(repo, alerts, supervisor)
	if err != nil {
		return nil, fmt.Errorf("app: escalation: %w", err)
	}
	engine, err := orders.NewEngine(repo, supervisor, cfg.OrderSource,
		orders.WithStock(products),
		orders.WithNotifier(alerts),
	)
	if err != nil {
		return nil, fmt.Errorf("app: orders: %w", err)
	}
	dispatcher, err := usecase.NewDispatcher(sender, repo, products, cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("app: dispatcher: %w", err)
	}
	quoter, err := delivery.NewQuoter(cfg.ShopLat, cfg.ShopLon, cfg.DeliveryBasePrice, cfg.DeliveryPerKM)
	if err != nil {
		return nil, fmt.Errorf("app: delivery quoter: %w", err)
	}

	process, err := usecase.NewProcessService(usecase.ProcessDeps{
		Gate:          gate,
		Locker:        locker,
		Batches:       acc,
		Debouncer:     deb,
		Conversations: repo,
		Catalog:       products,
		Replies:       replies,
		Escalations:   escalations,
		Orders:        engine,
		Dispatcher:    dispatcher,
		Tasks:         supervisor,
		LockTTL:       cfg.LockTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("app: process service: %w", err)
	}
	ingest, err := usecase.NewIngestService(acc, sched, cfg.QuietPeriod, nil)
	if err != nil {
		return nil, fmt.Errorf("app: ingest service: %w", err)
	}
	locations, err := usecase.NewLocationService(quoter, repo, sender, nil)
	if err != nil {
		return nil, fmt.Errorf("app: location service: %w", err)
	}
	control, err := usecase.NewControlService(escalations, engine, repo, nil)
	if err != nil {
		return nil, fmt.Errorf("app: control service: %w", err)
	}

	return &App{
		Ingest:    ingest,
		Process:   process,
		Locations: locations,
		Control:   control,
		Scheduler: sched,
		Tasks:     supervisor,
		rdb:       rdb,
	}, nil
}

// Close stops background work and drops the Redis connection.
func (a *App) Close() {
	a.Tasks.Close()
	_ = a.rdb.Close()
}
