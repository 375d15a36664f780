package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chatline/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	StatusRecorder    middleware.StatusRecorder // nilの場合はHTTPステータスを記録しない
	Logger            *slog.Logger              // nilの場合はアクセスログを出さない

	// メッセージ
	MessageService MessageServiceInterface
	Presence       OnlineUsersLister

	// リアルタイム配信
	SocketHandler http.Handler

	// 運用
	HealthChecker  Pinger
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Metrics → CORS → Session → RateLimit(General)
//
// メッセージ送信にはさらに CSRF → RateLimit(Send) を適用する。
// ヘルスチェック、メトリクス、CSRFトークン取得は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	messageHandler := NewMessageHandler(deps.MessageService, deps.Presence)

	// --- 認証不要のルート ---
	if deps.HealthChecker != nil {
		r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/v1/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/v1/message", func(r chi.Router) {
			r.With(
				middleware.NewCSRFMiddleware(deps.CSRFConfig),
				deps.RateLimiter.SendMiddleware(),
			).Post("/send/{id}", messageHandler.Send)
			r.Get("/all/{id}", messageHandler.History)
			r.Get("/online", messageHandler.Online)
		})

		if deps.SocketHandler != nil {
			r.Method(http.MethodGet, "/ws", deps.SocketHandler)
		}
	})

	return r
}
