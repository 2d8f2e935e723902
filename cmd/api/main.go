package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/ticketpilot/backend/internal/config"
	"github.com/example/ticketpilot/backend/internal/db"
	httpserver "github.com/example/ticketpilot/backend/internal/http"
	"github.com/example/ticketpilot/backend/internal/integration"
	"github.com/example/ticketpilot/backend/internal/lock"
	"github.com/example/ticketpilot/backend/internal/logger"
	"github.com/example/ticketpilot/backend/internal/mq"
	"github.com/example/ticketpilot/backend/internal/notify"
	"github.com/example/ticketpilot/backend/internal/pipeline"
	"github.com/example/ticketpilot/backend/internal/service"
	"github.com/example/ticketpilot/backend/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("load config", zap.Error(err))
	}
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.L().Fatal("init logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.New(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal("connect database", zap.Error(err))
	}
	if err := db.AutoMigrate(database); err != nil {
		log.Fatal("migrate database", zap.Error(err))
	}

	var publisher mq.Publisher
	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	rabbit, err := mq.NewRabbitPublisher(cfg.MQURL, cfg.MQEventExchange)
	if err != nil {
		log.Warn("rabbitmq unavailable, continuing without events", zap.Error(err))
	} else {
		publisher = rabbit
		notifier = mq.NotificationPublisher{Publisher: rabbit}
		defer rabbit.Close()
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redisClient.Close()

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.LockMode == "redis" {
		locker = lock.NewRedisLocker(redisClient, cfg.LockTTL)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	steps := worker.NewStepQueue(redisOpt, cfg.StepMaxAttempts, cfg.StuckStepTimeout)
	defer steps.Close()

	gateway := integration.NewAgentGateway(cfg.AgentGatewayURL)
	tickets := integration.NewTicketSystem(cfg.TicketSystemURL, cfg.TicketSystemToken)
	registry := pipeline.DefaultRegistry(pipeline.Collaborators{
		Analysis:       gateway,
		Questions:      gateway,
		Plans:          gateway,
		Implementation: gateway,
		TicketUpdates:  gateway,
		Tickets:        tickets,
		SourceControl:  integration.NewSourceControl(cfg.SourceControlURL, cfg.SourceControlKey, cfg.SourceControlOrg),
	})

	workflowService := service.NewWorkflowService(database, service.Deps{
		Locker:     locker,
		Registry:   registry,
		Reviewers:  integration.NewStaticDirectory(cfg.Reviewers()),
		Tickets:    tickets,
		Dispatcher: steps,
		Publisher:  publisher,
		Notifier:   notifier,
	},
		service.WithLogger(log),
		service.WithDefaultApprovals(cfg.DefaultApprovals),
		service.WithMaxAttempts(cfg.StepMaxAttempts),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stepServer := worker.NewStepServer(redisOpt, cfg.StepConcurrency, workflowService, log)
	if err := stepServer.Start(); err != nil {
		log.Fatal("start step server", zap.Error(err))
	}

	reaper := worker.NewReaper(workflowService, worker.ReaperConfig{
		Interval:        cfg.ReaperInterval,
		RedispatchGrace: cfg.RedispatchGrace,
		StuckTimeout:    cfg.StuckStepTimeout,
		PendingTimeout:  cfg.PendingTimeout,
	}, log)
	go reaper.Run(ctx)

	var triggers *worker.TriggerConsumer
	consumer, err := mq.NewRabbitConsumer(cfg.MQURL, cfg.MQTriggerExchange, cfg.MQTriggerQueue, "trigger.#")
	if err != nil {
		log.Warn("trigger queue unavailable, webhooks only", zap.Error(err))
	} else {
		triggers = worker.NewTriggerConsumer(consumer, workflowService, log)
		if err := triggers.Start(); err != nil {
			log.Fatal("consume triggers", zap.Error(err))
		}
	}

	apiServer := httpserver.NewServer(workflowService, log)
	srv := &http.Server{
		Addr:    cfg.HTTPPort,
		Handler: apiServer.Engine,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	if triggers != nil {
		if err := triggers.Close(); err != nil {
			log.Warn("close trigger consumer", zap.Error(err))
		}
	}
	stepServer.Shutdown()
	log.Info("bye")
}

func init() {
	if mode := os.Getenv("GIN_MODE"); mode == "" {
		gin.SetMode(gin.ReleaseMode)
	}
}
