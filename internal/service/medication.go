// Package service 漏服升级服务（整合各层）
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-medication/internal/clock"
	"wisefido-medication/internal/config"
	"wisefido-medication/internal/consumer"
	"wisefido-medication/internal/escalation"
	"wisefido-medication/internal/httpapi"
	"wisefido-medication/internal/metrics"
	"wisefido-medication/internal/monitor"
	"wisefido-medication/internal/notifier"
	"wisefido-medication/internal/repository"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MedicationService 漏服升级服务
type MedicationService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *notifier.MQTTClient
	logger      *zap.Logger

	// 各层组件
	contactsRepo    *repository.ContactsRepository
	alarmEventsRepo *repository.AlarmEventsRepository
	stateManager    *consumer.StateManager
	cacheManager    *consumer.CacheManager
	mqttNotifier    *notifier.MQTTNotifier
	gateway         *notifier.GatewayDispatcher
	engine          *escalation.Engine
	monitor         *monitor.Monitor
	doseConsumer    *consumer.DoseEventConsumer
	httpServer      *http.Server
}

// Components 外部连接（测试时可替换）
type Components struct {
	DB       *sql.DB
	Redis    *redis.Client
	PubSub   notifier.PubSub
	Clock    clock.Clock
	Registry *prometheus.Registry
}

// NewMedicationService 连接数据库、Redis、MQTT 并创建服务
func NewMedicationService(cfg *config.Config, logger *zap.Logger) (*MedicationService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 设置连接池参数
	if cfg.Database.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxConns)
	}
	if cfg.Database.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdle)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := notifier.NewMQTTClient(&cfg.MQTT, logger)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, err
	}

	svc, err := NewMedicationServiceWith(cfg, logger, Components{
		DB:       db,
		Redis:    redisClient,
		PubSub:   mqttClient,
		Clock:    clock.NewReal(),
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		mqttClient.Disconnect()
		db.Close()
		redisClient.Close()
		return nil, err
	}
	svc.mqttClient = mqttClient
	return svc, nil
}

// NewMedicationServiceWith 使用已建立的连接组装服务
func NewMedicationServiceWith(cfg *config.Config, logger *zap.Logger, c Components) (*MedicationService, error) {
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if c.Clock == nil {
		c.Clock = clock.NewReal()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}

	// Repository 层
	contactsRepo := repository.NewContactsRepository(c.DB, cfg.TenantID, logger)
	alarmEventsRepo := repository.NewAlarmEventsRepository(c.DB, cfg.TenantID, logger)

	// Consumer 层（Redis）
	stateManager := consumer.NewStateManager(cfg, c.Redis, logger)
	cacheManager := consumer.NewCacheManager(cfg, c.Redis, logger)

	// 通知通道
	mqttNotifier := notifier.NewMQTTNotifier(c.PubSub, cfg.MQTT.QoS, logger)
	gateway := notifier.NewGatewayDispatcher(notifier.GatewayConfig{
		BaseURL:    cfg.Gateway.BaseURL,
		APIKey:     cfg.Gateway.APIKey,
		Timeout:    cfg.Gateway.Timeout,
		RetryCount: cfg.Gateway.RetryCount,
	}, logger)

	// 升级引擎
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engine, err := escalation.NewEngine(cfg.Escalation.Ladder, escalation.Dependencies{
		Clock:           c.Clock,
		Contacts:        contactsRepo,
		Delivery:        gateway,
		Local:           mqttNotifier,
		Fallback:        cacheManager,
		Alerts:          alarmEventsRepo,
		Observer:        stateManager,
		Metrics:         metrics.NewEscalationMetrics(c.Registry),
		DefaultLocation: cfg.Location(),
		CallTimeout:     cfg.Escalation.CallTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation engine: %w", err)
	}

	mon := monitor.NewMonitor(c.Clock, engine, cfg.Monitor.GraceWindow, logger)
	doseConsumer := consumer.NewDoseEventConsumer(cfg, c.Redis, mon, logger)

	// HTTP
	router := httpapi.NewRouter(logger)
	router.RegisterMedicationRoutes(httpapi.NewMedicationHandler(mon, engine, alarmEventsRepo, logger))
	router.RegisterHealthRoutes(httpapi.NewHealthHandler(map[string]httpapi.Pinger{
		"postgres": httpapi.PingFunc(c.DB.PingContext),
		"redis": httpapi.PingFunc(func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		}),
		"mqtt": mqttNotifier,
	}), promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))

	return &MedicationService{
		config:          cfg,
		db:              c.DB,
		redisClient:     c.Redis,
		logger:          logger,
		contactsRepo:    contactsRepo,
		alarmEventsRepo: alarmEventsRepo,
		stateManager:    stateManager,
		cacheManager:    cacheManager,
		mqttNotifier:    mqttNotifier,
		gateway:         gateway,
		engine:          engine,
		monitor:         mon,
		doseConsumer:    doseConsumer,
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Handler HTTP 路由
func (s *MedicationService) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start 启动服务（阻塞直到 ctx 取消或任一组件失败）
func (s *MedicationService) Start(ctx context.Context) error {
	s.logger.Info("Starting medication escalation service",
		zap.String("tenant_id", s.config.TenantID),
		zap.Int("ladder_levels", len(s.engine.Ladder())),
		zap.Duration("grace_window", s.config.Monitor.GraceWindow),
		zap.String("http_addr", s.config.HTTP.Addr),
	)

	// 设备确认即服药确认
	if err := s.mqttNotifier.SubscribeAcks(ctx, func(ctx context.Context, doseID, source string) error {
		_, err := s.monitor.MarkTaken(ctx, doseID, source)
		return err
	}); err != nil {
		return fmt.Errorf("failed to subscribe device acks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.doseConsumer.Start(gctx); err != nil {
			return fmt.Errorf("failed to start dose event consumer: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Stop 停止服务：停止所有定时器并关闭连接
func (s *MedicationService) Stop() error {
	s.logger.Info("Stopping medication escalation service",
		zap.Int("active_escalations", len(s.engine.Active())),
	)

	s.monitor.Stop()
	s.engine.Stop()

	if err := s.mqttNotifier.UnsubscribeAcks(); err != nil {
		s.logger.Warn("Failed to unsubscribe device acks", zap.Error(err))
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
