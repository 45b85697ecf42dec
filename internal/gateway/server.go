package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/meishi/pkg/httpclient"
	"github.com/nao1215/meishi/pkg/middleware"
	"github.com/nao1215/meishi/pkg/token"
)

// DefaultProxyTimeout は下流サービスへの転送のデフォルトタイムアウト。
const DefaultProxyTimeout = 30 * time.Second

// maxDevTokenBody は開発用トークン発行リクエストのボディの最大長。
const maxDevTokenBody = 4 << 10

// ServerConfig はServerの依存関係と設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// Authority は開発用トークンの発行に使う。
	Authority *token.Authority
	// Gate は保護されたルートの受付判定に使う。
	Gate *middleware.Gate
	// Router は転送先の決定に使う。
	Router *Router
	// Aggregator は /health の生成に使う。
	Aggregator *Aggregator
	// History はnilの場合 /health/history が503を返す。
	History *HistoryStore
	// Stats はnilの場合 /stats/admission が503を返す。
	Stats middleware.StatsRecorder
	// Logger はアクセスログとエラーログの出力先。
	Logger *zap.Logger
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// DevTokenEnabled がtrueの場合のみ POST /auth/dev-token を有効にする。
	DevTokenEnabled bool
	// TokenTTL は開発用トークンの有効期間。
	TokenTTL time.Duration
	// ProxyTimeout は下流サービスへの転送のタイムアウト。
	ProxyTimeout time.Duration
}

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はRunで起動するHTTPサーバー。
	httpServer *http.Server
	cfg        ServerConfig
	logger     *zap.Logger
	// proxyClient は下流サービスへの転送に使うHTTPクライアント。
	proxyClient *http.Client
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Authority == nil || cfg.Gate == nil || cfg.Router == nil || cfg.Aggregator == nil {
		return nil, fmt.Errorf("サーバーの依存関係が不足しています: %w", ErrConfiguration)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = DefaultProxyTimeout
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(cfg.Logger))
	router.Use(middleware.Recovery(cfg.Logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router: router,
		cfg:    cfg,
		logger: cfg.Logger,
		proxyClient: &http.Client{
			Timeout: cfg.ProxyTimeout,
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler はHTTPハンドラを返す。テストで使用する。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdownが呼ばれるまで戻らない。
func (s *Server) Run() error {
	s.logger.Info("Gatewayサービスを起動します", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は処理中のリクエストの完了を待ってからHTTPサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
// ゲートウェイ自身が処理するパス以外は全てNoRouteで下流サービスに転送する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/health/history", s.handleHealthHistory())

	// 開発用トークン発行
	s.router.POST("/auth/dev-token", s.handleDevToken())

	// 受付統計（認証必須）
	stats := s.router.Group("/stats")
	stats.Use(middleware.Admission(s.cfg.Gate))
	{
		stats.GET("/admission", s.handleAdmissionStats())
	}

	s.router.NoRoute(s.handleProxy())
}

// handleHealth は全サービスの総合ヘルスチェック結果を返すハンドラを返す。
// unhealthyの場合は503を返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
		report, err := s.cfg.Aggregator.CheckHealth(ctx)
		if err != nil {
			middleware.AbortWithError(c, http.StatusInternalServerError, "configuration_error", nil)
			return
		}

		status := http.StatusOK
		if report.Status == HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"success": true,
			"data":    report,
		})
	}
}

// handleHealthHistory はヘルスチェック履歴を返すハンドラを返す。
// クエリパラメータ service で絞り込み、limit で件数を指定する。
func (s *Server) handleHealthHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.History == nil {
			middleware.AbortWithError(c, http.StatusServiceUnavailable, "history_disabled", nil)
			return
		}

		limit := DefaultHistoryLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				middleware.AbortWithError(c, http.StatusBadRequest, "invalid_limit", nil)
				return
			}
			limit = n
		}

		results, err := s.cfg.History.Recent(c.Request.Context(), c.Query("service"), limit)
		if err != nil {
			s.logger.Error("ヘルスチェック履歴の取得に失敗", zap.Error(err))
			middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    results,
		})
	}
}

// devTokenRequest は開発用トークン発行リクエストのボディ。
type devTokenRequest struct {
	UserID string `json:"user_id"`
}

// handleDevToken は開発用トークンを発行するハンドラを返す。
// DevTokenEnabledがfalseの場合は存在しないルートとして扱う。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.DevTokenEnabled {
			middleware.AbortWithError(c, http.StatusNotFound, "route_not_found", nil)
			return
		}

		var req devTokenRequest
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxDevTokenBody))
		if err != nil {
			middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request", nil)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				middleware.AbortWithError(c, http.StatusBadRequest, "invalid_request", nil)
				return
			}
		}
		if req.UserID == "" {
			req.UserID = "dev-user"
		}

		tok, err := s.cfg.Authority.Issue(token.IssueClaims{
			UserID: req.UserID,
			Custom: map[string]any{"dev": true},
		}, s.cfg.TokenTTL)
		if err != nil {
			if errors.Is(err, token.ErrConfiguration) {
				s.logger.Error("署名用シークレットが設定されていないためトークンを発行できません")
				middleware.AbortWithError(c, http.StatusInternalServerError, "configuration_error", nil)
				return
			}
			s.logger.Error("トークン生成に失敗", zap.Error(err))
			middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", nil)
			return
		}

		// 発行し直したユーザーは前のトークンで使い切った上限を引き継がない
		s.cfg.Gate.ResetUser(req.UserID)

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"token":   tok,
				"user_id": req.UserID,
			},
		})
	}
}

// handleAdmissionStats は受付判定の累計件数を返すハンドラを返す。
func (s *Server) handleAdmissionStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Stats == nil {
			middleware.AbortWithError(c, http.StatusServiceUnavailable, "stats_disabled", nil)
			return
		}
		counts, err := s.cfg.Stats.Counts(c.Request.Context())
		if err != nil {
			s.logger.Warn("受付統計の取得に失敗", zap.Error(err))
			middleware.AbortWithError(c, http.StatusServiceUnavailable, "stats_unavailable", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    counts,
		})
	}
}

// handleProxy はルーティング表に従って下流サービスに転送するハンドラを返す。
// 保護されたルートは受付判定を、公開ルートはクライアントIP単位の上限を通過した場合のみ転送する。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		route, err := s.cfg.Router.Match(c.Request.URL.Path, c.Request.Method)
		if err != nil {
			if errors.Is(err, ErrConfiguration) {
				s.logger.Error("ルーティング表が設定されていません")
				middleware.AbortWithError(c, http.StatusInternalServerError, "configuration_error", nil)
				return
			}
			middleware.AbortWithError(c, http.StatusNotFound, "route_not_found", nil)
			return
		}

		if route.Public {
			if !middleware.AuthorizeAnonymous(c, s.cfg.Gate) {
				return
			}
		} else if !middleware.Authorize(c, s.cfg.Gate) {
			return
		}

		svc, err := s.cfg.Router.Resolve(c.Request.URL.Path, c.Request.Method)
		if err != nil {
			middleware.AbortWithError(c, http.StatusInternalServerError, "configuration_error", nil)
			return
		}
		s.doProxy(c, svc)
	}
}

// forwardedRequestHeaders は下流サービスに転送するリクエストヘッダー。
// X-User-ID はクライアントの値を使わず、受付判定の結果から設定する。
var forwardedRequestHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"Authorization",
}

// forwardedResponseHeaders はクライアントに返す下流サービスのレスポンスヘッダー。
var forwardedResponseHeaders = []string{
	"Cache-Control",
	"Retry-After",
	"Content-Disposition",
	"ETag",
	"Last-Modified",
	"Location",
}

// doProxy はリクエストを内部サービスにプロキシする共通処理。
func (s *Server) doProxy(c *gin.Context, svc ServiceDescriptor) {
	url := svc.BaseURL + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, c.Request.Body)
	if err != nil {
		s.logger.Error("プロキシリクエストの作成に失敗", zap.String("service", svc.Name), zap.Error(err))
		middleware.AbortWithError(c, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	req.ContentLength = c.Request.ContentLength

	for _, h := range forwardedRequestHeaders {
		if v := c.GetHeader(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if userID := middleware.GetUserID(c); userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}
	req.Header.Set(middleware.HeaderRequestID, middleware.GetRequestID(c))

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.Warn("内部サービスとの通信に失敗",
			zap.String("service", svc.Name),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(fmt.Errorf("%w: %w", ErrDownstreamUnavailable, err)))
		middleware.AbortWithError(c, http.StatusBadGateway, "downstream_unavailable", nil)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	extra := make(map[string]string)
	for _, h := range forwardedResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			extra[h] = v
		}
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, extra)
}
