package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/types"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrValidation is returned when a write violates a model invariant
	// (room/conversation exclusivity, empty message, malformed pair).
	ErrValidation = errors.New("validation failed")
)

// Persister is the sole interface to durable storage. All operations are safe
// to retry: creates are keyed by caller-visible ids, receipt/reaction updates
// converge, and counters are only ever moved inside a single transaction.
type Persister interface {
	StoreUser(ctx context.Context, user types.User) error
	GetUser(ctx context.Context, user *types.User) error
	GetUsers(ctx context.Context) ([]*types.User, error)
	UpdatePresence(ctx context.Context, userId, status string, lastSeen time.Time) error
	TouchLastSeen(ctx context.Context, userIds []string, lastSeen time.Time) error

	StoreRoom(ctx context.Context, room types.Room) error
	GetRoom(ctx context.Context, room *types.Room) error
	GetRooms(ctx context.Context) ([]*types.Room, error)
	DeleteRoom(ctx context.Context, room *types.Room) error
	AddRoomMember(ctx context.Context, roomId, userId string) error
	RemoveRoomMember(ctx context.Context, roomId, userId string) error
	RoomsForUser(ctx context.Context, userId string) ([]*types.Room, error)

	CreateMessage(ctx context.Context, message *types.Message) error
	GetMessage(ctx context.Context, message *types.Message) error
	GetMessages(ctx context.Context, ids []string) ([]*types.Message, error)
	AppendReadReceipt(ctx context.Context, messageId, userId string, readAt time.Time) error
	UpsertReaction(ctx context.Context, messageId, userId, emoji string) (types.JSONReactions, error)

	FindOrCreateConversation(ctx context.Context, userA, userB string) (*types.Conversation, error)
	GetConversation(ctx context.Context, conversation *types.Conversation) error
	RecordDelivery(ctx context.Context, conversationId, messageId, recipientId string) error
	ResetUnread(ctx context.Context, conversationId, userId string) error

	Close() error
}

// NewPersister builds the configured backend.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	case "":
		return nil, fmt.Errorf("no persistence configured")
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
}

// validateMessage enforces the exactly-one-target and content-or-file rules
// shared by all backends.
func validateMessage(message *types.Message) error {
	if message.RoomId != "" && message.ConversationId != "" {
		return fmt.Errorf("%w: message targets both a room and a conversation", ErrValidation)
	}
	if message.RoomId == "" && message.ConversationId == "" {
		return fmt.Errorf("%w: message must belong to either a room or a conversation", ErrValidation)
	}
	if message.Content == "" && message.File == nil {
		return fmt.Errorf("%w: message needs content or a file", ErrValidation)
	}
	if message.SenderId == "" {
		return fmt.Errorf("%w: message needs a sender", ErrValidation)
	}
	return nil
}
