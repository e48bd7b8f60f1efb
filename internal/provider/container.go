package provider

import (
	"time"

	"github.com/youjin-ai/payflow/internal/cache"
	"github.com/youjin-ai/payflow/internal/config"
	"github.com/youjin-ai/payflow/internal/logger"
	"github.com/youjin-ai/payflow/internal/models"
	"github.com/youjin-ai/payflow/internal/orderservice"
	"github.com/youjin-ai/payflow/internal/queue"
	"github.com/youjin-ai/payflow/internal/repository"
	"github.com/youjin-ai/payflow/internal/service"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client

	// Repositories
	SessionRecordRepo   repository.SessionRecordRepository
	GuestClaimRepo      repository.GuestClaimRepository
	ConversionEventRepo repository.ConversionEventRepository

	// Services
	OrderClient    *orderservice.Client
	SessionManager *service.SessionManager
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config) *Container {
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
	}

	c.initRepositories()
	c.initServices()

	return c
}

func (c *Container) initRepositories() {
	db := models.DB
	c.SessionRecordRepo = repository.NewSessionRecordRepository(db)
	c.GuestClaimRepo = repository.NewGuestClaimRepository(db)
	c.ConversionEventRepo = repository.NewConversionEventRepository(db)
}

func (c *Container) initServices() {
	orderClient, err := orderservice.NewClient(orderservice.Config{
		BaseURL: c.Config.OrderService.BaseURL,
		APIKey:  c.Config.OrderService.APIKey,
		Timeout: time.Duration(c.Config.OrderService.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		logger.Errorw("provider_init_order_client_failed", "error", err)
		panic(err)
	}
	c.OrderClient = orderClient

	deps := service.SessionDeps{
		Orders:  c.OrderClient,
		Records: c.SessionRecordRepo,
		Claims:  c.GuestClaimRepo,
		Timings: service.TimingsFromConfig(c.Config.Payment),
	}
	if c.QueueClient != nil {
		deps.Tasks = c.QueueClient
	}
	c.SessionManager = service.NewSessionManager(deps)
}
