package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/chatline/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// CreateInConversation はメッセージの作成と会話への追記を同一トランザクションで行う。
//
// 処理順序:
//  1. conversations行のmessage_countをインクリメント（行ロックにより同一会話への追記を直列化）
//  2. messagesへINSERT
//  3. conversation_messagesへ追記位置付きでINSERT
//
// いずれかが失敗した場合はロールバックされ、部分的な状態は残らない。
func (r *PostgresMessageRepo) CreateInConversation(ctx context.Context, msg *model.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	position, err := reservePosition(ctx, tx, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Body, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_messages (conversation_id, position, message_id)
		 VALUES ($1, $2, $3)`,
		msg.ConversationID, position, msg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to append message to conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ListByConversation は会話のメッセージを追記位置の昇順で返す。
// メッセージが存在しない場合は空スライスを返す。
func (r *PostgresMessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.receiver_id, m.body, m.created_at
		 FROM conversation_messages cm
		 JOIN messages m ON m.id = cm.message_id
		 WHERE cm.conversation_id = $1
		 ORDER BY cm.position ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// reservePosition は会話行をロックしてmessage_countを進め、新しい追記位置を返す。
// 会話が存在しない場合はErrConversationNotFoundを返す。
func reservePosition(ctx context.Context, tx *sql.Tx, conversationID string, at time.Time) (int64, error) {
	var position int64
	err := tx.QueryRowContext(ctx,
		`UPDATE conversations
		 SET message_count = message_count + 1, updated_at = GREATEST(updated_at, $2)
		 WHERE id = $1
		 RETURNING message_count`,
		conversationID, at,
	).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reserve append position: %w", err)
	}
	return position, nil
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	messages := make([]*model.Message, 0)
	for rows.Next() {
		msg := &model.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Body, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
