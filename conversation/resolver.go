// Package conversation resolves 1:1 conversations and their unread
// bookkeeping on top of the persistence gateway.
package conversation

import (
	"context"
	"sync"

	"github.com/parley-chat/parley/persistence"
	"github.com/parley-chat/parley/types"
)

// Resolver finds or creates the unique conversation per unordered participant
// pair and serializes delivery bookkeeping per conversation id.
type Resolver struct {
	persister persistence.Persister

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewResolver(persister persistence.Persister) *Resolver {
	return &Resolver{
		persister: persister,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor hands out one mutex per conversation id. Entries are never
// reclaimed; the set of active pairs is small compared to messages.
func (r *Resolver) lockFor(conversationId string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock := r.locks[conversationId]
	if lock == nil {
		lock = &sync.Mutex{}
		r.locks[conversationId] = lock
	}
	return lock
}

// Resolve returns the conversation for the pair, creating it on first
// contact. The storage layer enforces pair uniqueness; a lost create-race is
// retried as a lookup there, so concurrent first messages converge on one
// record.
func (r *Resolver) Resolve(ctx context.Context, userA, userB string) (*types.Conversation, error) {
	return r.persister.FindOrCreateConversation(ctx, userA, userB)
}

// RecordDelivery atomically sets the conversation's last message and
// increments the recipient's unread counter.
func (r *Resolver) RecordDelivery(ctx context.Context, conversation *types.Conversation, message *types.Message, recipientId string) error {
	lock := r.lockFor(conversation.Id)
	lock.Lock()
	defer lock.Unlock()
	return r.persister.RecordDelivery(ctx, conversation.Id, message.Id, recipientId)
}

// MarkConsumed resets the user's unread counter to zero.
func (r *Resolver) MarkConsumed(ctx context.Context, conversationId, userId string) error {
	lock := r.lockFor(conversationId)
	lock.Lock()
	defer lock.Unlock()
	return r.persister.ResetUnread(ctx, conversationId, userId)
}
