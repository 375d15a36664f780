// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/chatline/internal/model"
)

// UserRepository はユーザーデータの参照インターフェース。
// ユーザーはアカウント管理サブシステムが所有するため、書き込み操作は持たない。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// SessionRepository はセッションデータの参照インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// ConversationRepository は会話データの永続化インターフェース。
type ConversationRepository interface {
	// FindByPairKey は正規ペアキーで会話を検索する。見つからない場合はnilを返す。
	FindByPairKey(ctx context.Context, pairKey string) (*model.Conversation, error)

	// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Conversation, error)

	// Create は空の会話を作成する。
	// 同じpair_keyの会話が既に存在する場合はErrDuplicateConversationを返す。
	Create(ctx context.Context, conversation *model.Conversation) error
}

// MessageRepository はメッセージデータの永続化インターフェース。
type MessageRepository interface {
	// CreateInConversation はメッセージの作成と会話への追記を同一トランザクションで行う。
	// 追記位置は会話行のロックで直列化されるため、コミット順と一致する。
	// 会話が存在しない場合はErrConversationNotFoundを返す。
	CreateInConversation(ctx context.Context, message *model.Message) error

	// ListByConversation は会話のメッセージを追記順に返す。
	ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error)
}

// RepairRepository は会話の整合性修復に必要なデータ操作のインターフェース。
type RepairRepository interface {
	// ListOrphanMessages は会話に追記されていないメッセージをcreated_at昇順で取得する。
	ListOrphanMessages(ctx context.Context, limit int) ([]*model.Message, error)

	// AppendOrphan は既存メッセージを会話の末尾に追記する。
	// 既に追記済みの場合はfalseを返し、何も変更しない。
	AppendOrphan(ctx context.Context, message *model.Message) (bool, error)

	// ResyncMessageCounts は会話のmessage_countを実際の最大追記位置に合わせる。
	// 更新した会話数を返す。
	ResyncMessageCounts(ctx context.Context) (int64, error)
}
