// Package main はラベル印刷APIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/label-forge/internal/config"
	"github.com/yourusername/label-forge/internal/jobs"
	"github.com/yourusername/label-forge/internal/label"
	"github.com/yourusername/label-forge/internal/middleware"
	"github.com/yourusername/label-forge/internal/template"
)

const serviceVersion = "0.1.0"

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)

	// ワーカー数をここで一度だけ確定させる。ワーカープールと
	// glabelsエンジンの同時実行数を同じ値に揃えるため。
	if cfg.Workers <= 0 {
		cfg.Workers = jobs.DetectWorkerCount()
		logger.WithField("workers", cfg.Workers).Info("auto-detected worker count")
	}

	// 出力・中間ディレクトリの用意
	for _, dir := range []string{cfg.OutputDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.WithError(err).Fatalf("Failed to create directory: %s", dir)
		}
	}

	// コアサービスの組み立て
	engine := label.NewEngine(
		cfg.GlabelsPath,
		cfg.Workers,
		time.Duration(cfg.GlabelsTimeoutSec)*time.Second,
		logger,
	)
	labelService := label.NewService(cfg, engine, logger)
	templateService := template.NewService(cfg.TemplatesDir, logger)

	manager, err := jobs.NewManager(cfg, labelService, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create job manager")
	}
	manager.Start()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定（オリジン未指定なら無効）
	if cfg.CORSAllowedOrigins != "" {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
		router.Use(cors.New(corsConfig))
	}

	setupRoutes(router, cfg, manager, templateService, time.Now())

	// サーバーの起動
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		logger.WithFields(logrus.Fields{
			"addr": srv.Addr,
			"mode": cfg.GinMode,
		}).Info("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// シグナルを受けたら新規受付を止め、実行中のジョブを待ってから終了する
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	budget := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	deadline := time.Now().Add(budget)

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown incomplete")
	}

	// HTTPの停止に使った残り時間でジョブの完了を待つ
	manager.Shutdown(time.Until(deadline))
	logger.Info("bye")
}

// newLogger はログレベルを反映した logrus ロガーを作成します。
func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logger.SetLevel(lv)
	return logger
}

// setupRoutes はルーティングの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, manager *jobs.Manager, templates *template.Service, startedAt time.Time) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "label-forge-api",
			"version": serviceVersion,
		})
	})

	// サービス概要と稼働統計
	router.GET("/", func(c *gin.Context) {
		stats := manager.Stats()
		c.JSON(http.StatusOK, gin.H{
			"service":        "label-forge-api",
			"version":        serviceVersion,
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
			"workers":        stats.Workers,
			"queue_length":   stats.QueueLength,
			"running":        stats.Running,
			"jobs_total":     stats.TotalSubmitted,
		})
	})

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	labels := router.Group("/labels")
	labels.Use(middleware.BodyLimit(cfg.MaxRequestBytes))
	{
		labels.POST("/print", rateLimiter.Handler(), jobs.SubmitHandler(manager, cfg))

		labels.GET("/jobs", jobs.ListHandler(manager))
		labels.GET("/jobs/:id", jobs.StatusHandler(manager))
		labels.GET("/jobs/:id/stream", jobs.StreamHandler(manager))
		labels.GET("/jobs/:id/download", jobs.DownloadHandler(manager, cfg))

		labels.GET("/templates", template.ListHandler(templates))
		labels.GET("/templates/:name", template.DetailHandler(templates))
	}
}
