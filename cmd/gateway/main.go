// API Gatewayサービスのエントリポイント。
// トークン検証とレート制限による受付判定、下流サービスへのルーティング、
// ヘルスチェックの集約を担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nao1215/meishi/internal/config"
	"github.com/nao1215/meishi/internal/gateway"
	"github.com/nao1215/meishi/pkg/logging"
	"github.com/nao1215/meishi/pkg/middleware"
	"github.com/nao1215/meishi/pkg/ratelimit"
	"github.com/nao1215/meishi/pkg/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Gatewayサービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger, err := logging.New("gateway", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET が設定されていません。保護されたルートは全て設定エラーになります")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authority := token.New(cfg.JWTSecret, token.WithLogger(logger))

	limiter := ratelimit.New(ratelimit.WithLogger(logger))
	cleanup := limiter.StartCleanup(ctx, cfg.RateLimit.CleanupInterval)
	defer limiter.StopCleanup(cleanup)

	var stats middleware.StatsRecorder
	if cfg.RedisURL != "" {
		rdb, err := middleware.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			// 統計はベストエフォートなので起動は継続する
			logger.Warn("Redisに接続できないため受付統計はメモリに記録します", zap.Error(err))
			stats = middleware.NewMemoryStats()
		} else {
			defer func() { _ = rdb.Close() }()
			stats = middleware.NewRedisStats(rdb)
		}
	} else {
		stats = middleware.NewMemoryStats()
	}

	// 統計の書き込みは受付判定と切り離す
	asyncStats := middleware.NewAsyncStats(stats, middleware.WithStatsLogger(logger))
	defer asyncStats.Close()

	gate := middleware.NewGate(authority, limiter, middleware.GatePolicy{
		UserLimit:  cfg.RateLimit.UserLimit,
		UserWindow: cfg.RateLimit.UserWindow,
		IPLimit:    cfg.RateLimit.IPLimit,
		IPWindow:   cfg.RateLimit.IPWindow,
	},
		middleware.WithTrustForwardedFor(cfg.RateLimit.TrustForwardedFor),
		middleware.WithStats(asyncStats),
		middleware.WithGateLogger(logger),
	)

	registry, err := gateway.NewRegistry([]gateway.ServiceDescriptor{
		{Name: "auth", BaseURL: cfg.Services.Auth},
		{Name: "cards", BaseURL: cfg.Services.Cards},
		{Name: "upload", BaseURL: cfg.Services.Upload},
	})
	if err != nil {
		return fmt.Errorf("サービス登録に失敗: %w", err)
	}
	router, err := gateway.NewRouter(registry, gateway.DefaultRoutes())
	if err != nil {
		return fmt.Errorf("ルーティング表の作成に失敗: %w", err)
	}

	aggOpts := []gateway.AggregatorOption{
		gateway.WithProbeTimeout(cfg.Health.ProbeTimeout),
		gateway.WithLogger(logger),
	}
	if cfg.Health.RefreshRPS > 0 {
		aggOpts = append(aggOpts, gateway.WithRefreshLimiter(
			rate.NewLimiter(rate.Limit(cfg.Health.RefreshRPS), cfg.Health.RefreshBurst)))
	}

	var history *gateway.HistoryStore
	if cfg.Health.DBPath != "" {
		history, err = gateway.OpenHistoryStore(ctx, cfg.Health.DBPath, logger)
		if err != nil {
			return fmt.Errorf("ヘルスチェック履歴の初期化に失敗: %w", err)
		}
		defer func() { _ = history.Close() }()
		aggOpts = append(aggOpts, gateway.WithRecorder(history))
	}
	aggregator := gateway.NewAggregator(registry, gateway.NewHTTPProber(nil), aggOpts...)

	server, err := gateway.NewServer(gateway.ServerConfig{
		Port:            cfg.Port,
		Authority:       authority,
		Gate:            gate,
		Router:          router,
		Aggregator:      aggregator,
		History:         history,
		Stats:           asyncStats,
		Logger:          logger,
		AllowedOrigins:  cfg.AllowedOrigins,
		DevTokenEnabled: cfg.DevTokenEnabled,
		TokenTTL:        cfg.TokenTTL,
		ProxyTimeout:    cfg.ProxyTimeout,
	})
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	limiter.StopCleanup(cleanup)
	logger.Info("シャットダウンしました")
	return nil
}
