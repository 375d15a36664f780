package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chatline/internal/model"
)

// PostgresRepairRepo は会話の整合性修復に使用するPostgreSQLリポジトリ。
type PostgresRepairRepo struct {
	db *sql.DB
}

// NewPostgresRepairRepo はPostgresRepairRepoを生成する。
func NewPostgresRepairRepo(db *sql.DB) *PostgresRepairRepo {
	return &PostgresRepairRepo{db: db}
}

// ListOrphanMessages はconversation_messagesに追記されていないメッセージを
// created_at昇順（同時刻はid昇順）で最大limit件取得する。
func (r *PostgresRepairRepo) ListOrphanMessages(ctx context.Context, limit int) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.receiver_id, m.body, m.created_at
		 FROM messages m
		 LEFT JOIN conversation_messages cm ON cm.message_id = m.id
		 WHERE cm.message_id IS NULL
		 ORDER BY m.created_at ASC, m.id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan messages: %w", err)
	}
	return messages, nil
}

// AppendOrphan は既存メッセージを会話の末尾に追記する。
// 並行する修復処理が先に追記した場合はロールバックしてfalseを返す。
func (r *PostgresRepairRepo) AppendOrphan(ctx context.Context, msg *model.Message) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	position, err := reservePosition(ctx, tx, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return false, err
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_messages (conversation_id, position, message_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		msg.ConversationID, position, msg.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append orphan message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ResyncMessageCounts はmessage_countが最大追記位置とずれている会話を補正する。
func (r *PostgresRepairRepo) ResyncMessageCounts(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE conversations c
		 SET message_count = s.max_position
		 FROM (
		     SELECT c2.id, COALESCE(MAX(cm.position), 0) AS max_position
		     FROM conversations c2
		     LEFT JOIN conversation_messages cm ON cm.conversation_id = c2.id
		     GROUP BY c2.id
		 ) s
		 WHERE c.id = s.id AND c.message_count <> s.max_position`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to resync message counts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

// compile-time interface check
var _ RepairRepository = (*PostgresRepairRepo)(nil)
