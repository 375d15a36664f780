package model

import "time"

// Message は2者間で送受信されたダイレクトメッセージを表す。
// 作成後は変更されない。編集・削除の操作は存在しない。
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Body           string // サニタイズ済み
	CreatedAt      time.Time
}
