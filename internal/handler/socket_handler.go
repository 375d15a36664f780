package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/chatline/internal/middleware"
	"github.com/hitoshi/chatline/internal/model"
	"github.com/hitoshi/chatline/internal/presence"
	"github.com/hitoshi/chatline/internal/realtime"
)

// ConnectionRegistry は接続の登録と解除を行うインターフェース。
// presence.Registry が実装する。
type ConnectionRegistry interface {
	Connect(userID string, h presence.Handle) presence.Handle
	Disconnect(userID string, h presence.Handle) bool
}

// SocketHandler はGET /ws でWebSocket接続を受け付け、接続をプレゼンスに登録する。
type SocketHandler struct {
	registry ConnectionRegistry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewSocketHandler はSocketHandlerを生成する。
// allowedOriginはCORSと同じ許可オリジン。空の場合は同一ホストのみ許可する。
func NewSocketHandler(registry ConnectionRegistry, allowedOrigin string, logger *slog.Logger) *SocketHandler {
	return &SocketHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigin),
		},
		logger: logger,
	}
}

// ServeHTTP はアップグレード後、クライアントが切断するまでブロックする。
// 同じユーザーの既存接続は新しい接続に置き換えられ、close code 4001で閉じられる。
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("websocket upgrade failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	conn := realtime.NewConnection(userID, ws)
	conn.Start()

	if prev := h.registry.Connect(userID, conn); prev != nil {
		prev.Close(presence.CloseSessionReplaced, "session replaced")
	}
	h.logger.Info("websocket connected",
		slog.String("user_id", userID),
		slog.String("connection_id", conn.ID),
	)

	if err := conn.ReadLoop(); err != nil {
		h.logger.Debug("websocket read ended",
			slog.String("connection_id", conn.ID),
			slog.String("error", err.Error()),
		)
	}

	// 置き換え済みの接続は登録を消さない
	h.registry.Disconnect(userID, conn)
	conn.Close(websocket.CloseNormalClosure, "")
	h.logger.Info("websocket disconnected",
		slog.String("user_id", userID),
		slog.String("connection_id", conn.ID),
	)
}

func originChecker(allowedOrigin string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowedOrigin != "" && strings.EqualFold(origin, allowedOrigin) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
