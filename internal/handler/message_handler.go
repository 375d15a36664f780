// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chatline/internal/delivery"
	"github.com/hitoshi/chatline/internal/middleware"
	"github.com/hitoshi/chatline/internal/model"
	"github.com/samber/lo"
)

// maxSendBodyBytes は送信リクエストボディの上限バイト数。
// 本文の文字数上限はサービス層で検証する。
const maxSendBodyBytes = 64 << 10

// MessageServiceInterface はメッセージハンドラーが依存するサービスのインターフェース。
type MessageServiceInterface interface {
	Send(ctx context.Context, senderID, receiverID, body string) (*model.Message, error)
	GetHistory(ctx context.Context, userA, userB string) ([]*model.Message, error)
}

// OnlineUsersLister は接続中ユーザーの一覧を返すインターフェース。
// presence.Registry が実装する。
type OnlineUsersLister interface {
	Online() []string
}

// MessageHandler はメッセージ関連のHTTPハンドラー。
type MessageHandler struct {
	service  MessageServiceInterface
	presence OnlineUsersLister
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service MessageServiceInterface, presence OnlineUsersLister) *MessageHandler {
	return &MessageHandler{
		service:  service,
		presence: presence,
	}
}

// sendMessageRequest はPOST /api/v1/message/send/{id} のリクエストボディ。
type sendMessageRequest struct {
	TextMessage string `json:"textMessage"`
}

type sendMessageResponse struct {
	Success    bool                    `json:"success"`
	NewMessage delivery.MessagePayload `json:"newMessage"`
}

type historyResponse struct {
	Success  bool                      `json:"success"`
	Messages []delivery.MessagePayload `json:"messages"`
}

type onlineUsersResponse struct {
	Success     bool     `json:"success"`
	OnlineUsers []string `json:"onlineUsers"`
}

// Send はPOST /api/v1/message/send/{id} を処理する。
// 認証済みユーザーから{id}のユーザーへメッセージを送信する。
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	senderID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	receiverID := chi.URLParam(r, "id")

	var req sendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestBodyError())
		return
	}

	msg, err := h.service.Send(r.Context(), senderID, receiverID, req.TextMessage)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sendMessageResponse{
		Success:    true,
		NewMessage: delivery.NewMessagePayload(msg),
	})
}

// History はGET /api/v1/message/all/{id} を処理する。
// 認証済みユーザーと{id}のユーザーとの会話を古い順に返す。
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	otherID := chi.URLParam(r, "id")

	messages, err := h.service.GetHistory(r.Context(), userID, otherID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Success: true,
		Messages: lo.Map(messages, func(m *model.Message, _ int) delivery.MessagePayload {
			return delivery.NewMessagePayload(m)
		}),
	})
}

// Online はGET /api/v1/message/online を処理する。
func (h *MessageHandler) Online(w http.ResponseWriter, r *http.Request) {
	online := h.presence.Online()
	if online == nil {
		online = []string{}
	}
	writeJSON(w, http.StatusOK, onlineUsersResponse{
		Success:     true,
		OnlineUsers: online,
	})
}
