package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chatline/internal/config"
	"github.com/hitoshi/chatline/internal/database"
	"github.com/hitoshi/chatline/internal/delivery"
	"github.com/hitoshi/chatline/internal/handler"
	"github.com/hitoshi/chatline/internal/logger"
	"github.com/hitoshi/chatline/internal/messaging"
	"github.com/hitoshi/chatline/internal/metrics"
	"github.com/hitoshi/chatline/internal/middleware"
	"github.com/hitoshi/chatline/internal/presence"
	"github.com/hitoshi/chatline/internal/relay"
	"github.com/hitoshi/chatline/internal/repository"
	"github.com/hitoshi/chatline/internal/worker/repair"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はコネクションプールを設定してDBを開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newMetricsRegistry はアプリケーションのメトリクスとランタイムのメトリクスを登録したレジストリを返す。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	convRepo := repository.NewPostgresConversationRepo(db)
	msgRepo := repository.NewPostgresMessageRepo(db)

	// 3. メトリクス
	reg, collector := newMetricsRegistry()

	// 4. プレゼンス。オンライン集合の変化を全接続へ通知する
	registry := presence.NewRegistry()
	registry.OnChange = func(online []string) {
		collector.SetPresenceConnections(len(online))
		payload, err := delivery.EncodeOnlineUsers(online)
		if err != nil {
			log.Error("failed to encode online users", slog.String("error", err.Error()))
			return
		}
		registry.Broadcast(payload)
	}

	// 5. 配信チャネル（REDIS_URLが設定されていればノード間中継を有効にする）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliveryRelay delivery.Relay
	var redisRelay *relay.RedisRelay
	if cfg.RelayEnabled() {
		redisRelay, err = relay.NewRedisRelay(cfg.RedisURL, cfg.RelayChannel, log)
		if err != nil {
			return fmt.Errorf("failed to connect relay: %w", err)
		}
		deliveryRelay = redisRelay
	}

	channel := delivery.NewChannel(registry, deliveryRelay, collector, log)
	dispatcher := delivery.NewDispatcher(channel, delivery.DispatcherConfig{
		QueueSize: cfg.DeliveryQueueSize,
		Workers:   cfg.DeliveryWorkers,
	}, collector, log)
	dispatcher.Start(ctx)

	relayDone := make(chan struct{})
	if redisRelay != nil {
		go func() {
			defer close(relayDone)
			if err := redisRelay.Run(ctx, channel.PushLocal); err != nil {
				log.Error("relay stopped", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(relayDone)
	}

	// 6. メッセージサービス
	messageService := messaging.NewService(
		userRepo, convRepo, msgRepo,
		dispatcher, collector, log,
		messaging.Config{
			MaxLength:    cfg.MessageMaxLength,
			StoreTimeout: cfg.StoreTimeout,
		},
	)

	// 7. ルーターの構築（レート制限はreq/min指定）
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitSend),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		StatusRecorder: collector,
		Logger:         log,
		MessageService: messageService,
		Presence:       registry,
		SocketHandler:  handler.NewSocketHandler(registry, cfg.CORSAllowedOrigin, log),
		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.Bool("relay_enabled", redisRelay != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var listenErr error
	select {
	case <-stop:
	case listenErr = <-serverErr:
		log.Error("server listen error", slog.String("error", listenErr.Error()))
	}
	log.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// 新規リクエストを止めてから、WebSocket接続を閉じ、配信キューを流し切る
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	registry.Drain(presence.CloseServerShutdown, "server shutdown")
	dispatcher.Stop()

	cancel()
	<-relayDone
	if redisRelay != nil {
		if err := redisRelay.Close(); err != nil {
			log.Warn("failed to close relay", slog.String("error", err.Error()))
		}
	}

	if listenErr != nil {
		return fmt.Errorf("server listen error: %w", listenErr)
	}
	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、会話修復ジョブを定期実行する。
// /metrics と /health を公開し、SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established (worker)")

	// 2. 修復ジョブの初期化
	reg, collector := newMetricsRegistry()
	job := repair.NewJob(repository.NewPostgresRepairRepo(db), collector, log)
	job.BatchSize = cfg.RepairBatchSize

	// 3. 運用エンドポイント
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/health", handler.NewHealthHandler(db))
	r.Mount("/", metrics.SetupMetricsRoute(reg))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("worker metrics server error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		log.Info("shutting down worker...")
		cancel()
	}()

	// 修復ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.RepairInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker metrics server shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
