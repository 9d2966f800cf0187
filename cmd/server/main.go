package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/droidscan/internal/analysis"
	"github.com/apk-analysis/droidscan/internal/api"
	"github.com/apk-analysis/droidscan/internal/api/handlers"
	"github.com/apk-analysis/droidscan/internal/config"
	"github.com/apk-analysis/droidscan/internal/metrics"
	"github.com/apk-analysis/droidscan/internal/queue"
	"github.com/apk-analysis/droidscan/internal/repository"
	"github.com/apk-analysis/droidscan/internal/rules"
	"github.com/apk-analysis/droidscan/internal/service"
	"github.com/apk-analysis/droidscan/internal/watcher"
	"github.com/apk-analysis/droidscan/internal/worker"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.StringP("config", "c", "./configs/config.yaml", "config file path")
	flag.Parse()

	// 1. 打印版本信息
	fmt.Printf("droidscan server\n")
	fmt.Printf("Version: %s\n", api.Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	path := *configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting droidscan server %s", api.Version)
	if path == "" {
		logger.Warnf("Config file %s not found, using defaults and environment", *configPath)
	} else {
		logger.Infof("Config loaded from: %s", path)
	}

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatalf("Failed to get sql.DB: %v", err)
	}
	defer sqlDB.Close()
	reportRepo := repository.NewReportRepository(db)

	// 清理因服务重启而中断的分析
	if err := recoverInterrupted(context.Background(), reportRepo, logger); err != nil {
		logger.WithError(err).Warn("Failed to recover interrupted analyses")
	}

	// 5. 加载规则
	corpora, err := rules.LoadCorpora(rules.Paths{
		Kit:   cfg.Rules.Path(cfg.Rules.Kit),
		Smali: cfg.Rules.Path(cfg.Rules.Smali),
		Wide:  cfg.Rules.Path(cfg.Rules.Wide),
		Arm:   cfg.Rules.Path(cfg.Rules.Arm),
	})
	if err != nil {
		logger.Fatalf("Failed to load rules: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"kit":   corpora.Kit.Len(),
		"smali": corpora.Smali.Len(),
		"wide":  corpora.Wide.Len(),
	}).Info("Rule corpora loaded")

	// 6. 初始化 Prometheus 指标
	promMetrics := metrics.NewPrometheusMetrics(logger, "droidscan", nil)

	// 7. 初始化分析器与编排器
	analyzer, err := analysis.NewAnalyzer(corpora, logger, analysis.Options{
		NoKitException: cfg.Scan.NoKitException,
		DumpDetails:    cfg.Scan.DumpDetails,
		Workers:        cfg.Scan.Workers,
		MaxDepth:       cfg.Scan.MaxDepth,
		Metrics:        promMetrics,
	})
	if err != nil {
		logger.Fatalf("Failed to init analyzer: %v", err)
	}

	hub := handlers.NewEventHub(logger)
	orchestrator := worker.NewOrchestrator(analyzer, logger,
		worker.WithRepository(reportRepo),
		worker.WithLifecycleMetrics(promMetrics),
		worker.WithReportFile(true),
	)
	orchestrator.AddListener(hub)

	// 8. 初始化 Worker Pool
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orchestrator, logger)
	workerPool.Start(context.Background())
	defer workerPool.Stop()
	logger.Infof("Worker pool started with %d workers", cfg.Worker.Concurrency)

	// 9. 选择任务分发方式：RabbitMQ 或本地 Worker Pool
	var dispatcher service.Dispatcher = service.DispatchFunc(func(ctx context.Context, sample analysis.Sample) error {
		return workerPool.Submit(sample)
	})

	if cfg.RabbitMQ.Enabled {
		mqConfig := &queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		}
		prefetch := cfg.RabbitMQ.Prefetch
		if prefetch < cfg.Worker.Concurrency {
			prefetch = cfg.Worker.Concurrency
		}

		mq, err := queue.NewRabbitMQWithPrefetch(mqConfig, cfg.RabbitMQ.Queue, prefetch, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()
		logger.WithField("prefetch_count", prefetch).Info("RabbitMQ connected successfully")

		producer := queue.NewProducer(mq, logger)
		dispatcher = producer

		// 以数据库为准重建队列
		if n, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue")
		} else if n > 0 {
			logger.WithField("purged_count", n).Info("Cleared stale messages from queue")
		}

		consumer := queue.NewConsumer(mq, createAnalysisHandler(workerPool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Infof("Analysis consumer started with %d workers", cfg.Worker.Concurrency)
	}

	if err := redispatchQueued(context.Background(), reportRepo, dispatcher, logger); err != nil {
		logger.WithError(err).Warn("Failed to redispatch queued analyses")
	}

	analysisService := service.NewAnalysisService(reportRepo, orchestrator, dispatcher, logger)

	// 10. 启动监控
	monitor := metrics.NewMonitor(logger, promMetrics, 10*time.Second).
		WithPool(workerPool.Stats).
		WithDB(sqlDB.Stats)
	monitor.Start()
	defer monitor.Stop()

	// 11. 启动收件目录监听
	if cfg.Watcher.Enabled {
		inbox, err := watcher.NewInboxWatcher(cfg.Watcher.InboxDir, cfg.Watcher.SettleDelay(), createDirHandler(analysisService, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create inbox watcher: %v", err)
		}
		defer inbox.Stop()

		if err := inbox.Start(context.Background(), true); err != nil {
			logger.Fatalf("Failed to start inbox watcher: %v", err)
		}
		logger.Infof("Inbox watcher started for directory: %s", cfg.Watcher.InboxDir)
	}

	// 12. 设置 HTTP Server
	router := api.SetupRouter(api.Deps{
		Config:  cfg,
		Logger:  logger,
		Service: analysisService,
		Hub:     hub,
		Metrics: promMetrics,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 13. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	logger.Info("Server stopped")
}

// createAnalysisHandler 创建消息处理器（从 RabbitMQ 消息提交到 Worker Pool 并等待完成）
func createAnalysisHandler(workerPool *worker.Pool, logger *logrus.Logger) queue.AnalysisHandler {
	return func(ctx context.Context, msg *queue.AnalysisMessage) error {
		logger.WithFields(logrus.Fields{
			"sample_id": msg.SampleID,
			"name":      msg.Name,
			"root":      msg.Root,
		}).Info("Received analysis from RabbitMQ, submitting to worker pool")

		rep, err := workerPool.SubmitAndWait(ctx, msg.Sample())
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"sample_id": msg.SampleID,
			"kits":      len(rep.Kits),
		}).Info("Analysis completed")
		return nil
	}
}

// createDirHandler 创建收件目录处理器
func createDirHandler(svc service.AnalysisService, logger *logrus.Logger) watcher.DirHandler {
	return func(ctx context.Context, dir string) error {
		sample, err := svc.Submit(ctx, service.SubmitRequest{Root: dir})
		if err != nil {
			return fmt.Errorf("submit %s: %w", dir, err)
		}

		logger.WithFields(logrus.Fields{
			"sample_id": sample.ID,
			"name":      sample.Name,
		}).Info("Inbox sample submitted")
		return nil
	}
}
