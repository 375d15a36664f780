package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/chatline/internal/model"
)

// PostgresConversationRepo はPostgreSQLを使用した会話リポジトリ。
// 参加者ペアの一意性はconversations.pair_keyのUNIQUE制約で保証する。
type PostgresConversationRepo struct {
	db *sql.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

const conversationColumns = `id, pair_key, participant_a, participant_b, message_count, created_at, updated_at`

// FindByPairKey は正規ペアキーで会話を検索する。見つからない場合はnilを返す。
func (r *PostgresConversationRepo) FindByPairKey(ctx context.Context, pairKey string) (*model.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`,
		pairKey,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation by pair key: %w", err)
	}
	return conv, nil
}

// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
func (r *PostgresConversationRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation by ID: %w", err)
	}
	return conv, nil
}

// Create は空の会話を作成する。
// pair_keyのUNIQUE制約違反はErrDuplicateConversationとして返す。
func (r *PostgresConversationRepo) Create(ctx context.Context, conv *model.Conversation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, pair_key, participant_a, participant_b, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		conv.ID, conv.PairKey, conv.ParticipantA, conv.ParticipantB, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	conv := &model.Conversation{}
	err := row.Scan(
		&conv.ID, &conv.PairKey, &conv.ParticipantA, &conv.ParticipantB,
		&conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
