package delivery

import (
	"encoding/json"
	"time"

	"github.com/hitoshi/chatline/internal/model"
)

// クライアントへ送るフレーム種別
const (
	FrameNewMessage  = "newMessage"
	FrameOnlineUsers = "onlineUsers"
)

// MessagePayload はフレームに含めるメッセージ表現。
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}

type newMessageFrame struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

type onlineUsersFrame struct {
	Type        string   `json:"type"`
	OnlineUsers []string `json:"onlineUsers"`
}

// NewMessagePayload はモデルからフレーム用の表現を作る。
func NewMessagePayload(msg *model.Message) MessagePayload {
	return MessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Message:        msg.Body,
		CreatedAt:      msg.CreatedAt,
	}
}

// EncodeNewMessage はnewMessageフレームをJSONにエンコードする。
func EncodeNewMessage(msg *model.Message) ([]byte, error) {
	return json.Marshal(newMessageFrame{
		Type:    FrameNewMessage,
		Message: NewMessagePayload(msg),
	})
}

// EncodeOnlineUsers はonlineUsersフレームをJSONにエンコードする。
// nilは空配列としてエンコードする。
func EncodeOnlineUsers(online []string) ([]byte, error) {
	if online == nil {
		online = []string{}
	}
	return json.Marshal(onlineUsersFrame{
		Type:        FrameOnlineUsers,
		OnlineUsers: online,
	})
}
