package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/chatline/internal/model"
	"github.com/hitoshi/chatline/internal/repository"
)

func TestResolve_IsCommutative(t *testing.T) {
	store := newMemStore(alice, bob)
	r := NewResolver(memConversations{store})
	ctx := context.Background()

	ab, err := r.Resolve(ctx, alice, bob)
	require.NoError(t, err)
	ba, err := r.Resolve(ctx, bob, alice)
	require.NoError(t, err)

	assert.Equal(t, ab.ID, ba.ID)
	assert.Equal(t, model.PairKey(alice, bob), ab.PairKey)
	assert.Equal(t, alice, ab.ParticipantA)
	assert.Equal(t, bob, ab.ParticipantB)
	assert.Equal(t, 1, store.createCalls)
}

func TestResolve_RejectsSelf(t *testing.T) {
	store := newMemStore(alice)
	r := NewResolver(memConversations{store})

	_, err := r.Resolve(context.Background(), alice, alice)
	requireAPIError(t, err, model.ErrCodeSelfMessage)
	assert.Zero(t, store.createCalls)
}

func TestResolve_ConcurrentCreatesYieldOneConversation(t *testing.T) {
	store := newMemStore(alice, bob)
	r := NewResolver(memConversations{store})
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 0 {
				a, b = bob, alice
			}
			conv, err := r.Resolve(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, store.conversations, 1)
}

// racingConversations はFindとCreateの間に他の作成者が割り込んだ状況を再現する。
type racingConversations struct {
	winner *model.Conversation
	finds  int
}

func (r *racingConversations) FindByPairKey(context.Context, string) (*model.Conversation, error) {
	r.finds++
	if r.finds == 1 {
		return nil, nil
	}
	return r.winner, nil
}

func (r *racingConversations) FindByID(context.Context, string) (*model.Conversation, error) {
	return r.winner, nil
}

func (r *racingConversations) Create(context.Context, *model.Conversation) error {
	return repository.ErrDuplicateConversation
}

func TestResolve_DuplicateCreateRereadsWinner(t *testing.T) {
	winner := &model.Conversation{ID: "winner", PairKey: model.PairKey(alice, bob)}
	repo := &racingConversations{winner: winner}
	r := NewResolver(repo)

	conv, err := r.Resolve(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.Same(t, winner, conv)
	assert.Equal(t, 2, repo.finds)
}

func TestResolve_DuplicateWithoutWinnerFails(t *testing.T) {
	repo := &racingConversations{}
	r := NewResolver(repo)

	_, err := r.Resolve(context.Background(), alice, bob)
	assert.Error(t, err)
}
