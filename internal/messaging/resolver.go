// Package messaging はダイレクトメッセージの送信と履歴取得のドメインロジックを提供する。
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chatline/internal/model"
	"github.com/hitoshi/chatline/internal/repository"
)

// Resolver は2者間の会話を解決する。
// 同じ参加者ペアに対して、引数の順序によらず常に同じ会話を返す。
type Resolver struct {
	convRepo repository.ConversationRepository
	now      func() time.Time
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(convRepo repository.ConversationRepository) *Resolver {
	return &Resolver{
		convRepo: convRepo,
		now:      time.Now,
	}
}

// Find は2者間の既存の会話を返す。存在しない場合はnilを返す。
func (r *Resolver) Find(ctx context.Context, a, b string) (*model.Conversation, error) {
	conv, err := r.convRepo.FindByPairKey(ctx, model.PairKey(a, b))
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}
	return conv, nil
}

// Resolve は2者間の会話を返す。存在しない場合は空の会話を作成する。
// 同時に作成された場合はUNIQUE制約に負けた側が勝った側の会話を読み直す。
func (r *Resolver) Resolve(ctx context.Context, a, b string) (*model.Conversation, error) {
	if a == b {
		return nil, model.NewSelfMessageError()
	}

	conv, err := r.Find(ctx, a, b)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	first, second := model.SortPair(a, b)
	now := r.now().UTC()
	conv = &model.Conversation{
		ID:           uuid.NewString(),
		PairKey:      model.PairKey(a, b),
		ParticipantA: first,
		ParticipantB: second,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = r.convRepo.Create(ctx, conv)
	if errors.Is(err, repository.ErrDuplicateConversation) {
		existing, findErr := r.Find(ctx, a, b)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, fmt.Errorf("conversation %s missing after duplicate create", conv.PairKey)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}
