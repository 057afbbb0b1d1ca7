package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/types"
	"github.com/tidwall/buntdb"
)

// BuntDBPersist is the embedded single-file backend. BuntDB serializes write
// transactions, which gives the gateway its per-aggregate atomicity without
// extra locking.
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no DSN configured")
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db}, nil
}

func userKey(id string) string    { return "user:" + id }
func roomKey(id string) string    { return "room:" + id }
func messageKey(id string) string { return "msg:" + id }
func convKey(id string) string    { return "conv:" + id }
func convPairKey(userA, userB string) string {
	return "convpair:" + userA + "|" + userB
}

func mapBuntErr(err error) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func setJSON(tx *buntdb.Tx, key string, val interface{}) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return err
}

func getJSON(tx *buntdb.Tx, key string, val interface{}) error {
	raw, err := tx.Get(key)
	if err != nil {
		return mapBuntErr(err)
	}
	return json.Unmarshal([]byte(raw), val)
}

func (p *BuntDBPersist) StoreUser(_ context.Context, user types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, userKey(user.Id), user)
	})
}

func (p *BuntDBPersist) GetUser(_ context.Context, user *types.User) error {
	if user.Id == "" {
		return fmt.Errorf("%w: no user id", ErrValidation)
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, userKey(user.Id), user)
	})
}

func (p *BuntDBPersist) GetUsers(_ context.Context) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(key, val string) bool {
			user := &types.User{}
			if err := json.Unmarshal([]byte(val), user); err == nil {
				users = append(users, user)
			}
			return true
		})
	})
	return users, err
}

func (p *BuntDBPersist) UpdatePresence(_ context.Context, userId, status string, lastSeen time.Time) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		user := types.User{}
		if err := getJSON(tx, userKey(userId), &user); err != nil {
			return err
		}
		user.Status = status
		user.LastSeen = lastSeen
		return setJSON(tx, userKey(userId), user)
	})
}

func (p *BuntDBPersist) TouchLastSeen(_ context.Context, userIds []string, lastSeen time.Time) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		for _, id := range userIds {
			user := types.User{}
			err := getJSON(tx, userKey(id), &user)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			user.LastSeen = lastSeen
			if err := setJSON(tx, userKey(id), user); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *BuntDBPersist) StoreRoom(_ context.Context, room types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, roomKey(room.Id), room)
	})
}

func (p *BuntDBPersist) GetRoom(_ context.Context, room *types.Room) error {
	if room.Id == "" {
		return fmt.Errorf("%w: no room id", ErrValidation)
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, roomKey(room.Id), room)
	})
}

func (p *BuntDBPersist) GetRooms(_ context.Context) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(key, val string) bool {
			room := &types.Room{}
			if err := json.Unmarshal([]byte(val), room); err == nil {
				rooms = append(rooms, room)
			}
			return true
		})
	})
	return rooms, err
}

func (p *BuntDBPersist) DeleteRoom(_ context.Context, room *types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(roomKey(room.Id))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) AddRoomMember(_ context.Context, roomId, userId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		room := types.Room{}
		if err := getJSON(tx, roomKey(roomId), &room); err != nil {
			return err
		}
		if room.HasMember(userId) {
			return nil
		}
		room.Members = append(room.Members, userId)
		return setJSON(tx, roomKey(roomId), room)
	})
}

func (p *BuntDBPersist) RemoveRoomMember(_ context.Context, roomId, userId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		room := types.Room{}
		if err := getJSON(tx, roomKey(roomId), &room); err != nil {
			return err
		}
		members := room.Members[:0]
		for _, m := range room.Members {
			if m != userId {
				members = append(members, m)
			}
		}
		room.Members = members
		return setJSON(tx, roomKey(roomId), room)
	})
}

func (p *BuntDBPersist) RoomsForUser(ctx context.Context, userId string) ([]*types.Room, error) {
	rooms, err := p.GetRooms(ctx)
	if err != nil {
		return nil, err
	}
	member := rooms[:0]
	for _, room := range rooms {
		if room.HasMember(userId) {
			member = append(member, room)
		}
	}
	return member, nil
}

func (p *BuntDBPersist) CreateMessage(_ context.Context, message *types.Message) error {
	if err := validateMessage(message); err != nil {
		return err
	}
	if message.Id == "" {
		message.Id = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Reactions == nil {
		message.Reactions = types.JSONReactions{}
	}
	if message.ReadBy == nil {
		message.ReadBy = types.JSONReadReceipts{}
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		// retry-safe: an existing row under the same id wins
		if _, err := tx.Get(messageKey(message.Id)); err == nil {
			return nil
		}
		return setJSON(tx, messageKey(message.Id), message)
	})
}

func (p *BuntDBPersist) GetMessage(_ context.Context, message *types.Message) error {
	if message.Id == "" {
		return fmt.Errorf("%w: no message id", ErrValidation)
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, messageKey(message.Id), message)
	})
}

func (p *BuntDBPersist) GetMessages(_ context.Context, ids []string) ([]*types.Message, error) {
	messages := make([]*types.Message, 0, len(ids))
	err := p.db.View(func(tx *buntdb.Tx) error {
		for _, id := range ids {
			message := &types.Message{}
			err := getJSON(tx, messageKey(id), message)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	return messages, err
}

func (p *BuntDBPersist) AppendReadReceipt(_ context.Context, messageId, userId string, readAt time.Time) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		message := types.Message{}
		if err := getJSON(tx, messageKey(messageId), &message); err != nil {
			return err
		}
		if message.ReadByUser(userId) {
			return nil
		}
		message.ReadBy = append(message.ReadBy, types.ReadReceipt{UserId: userId, ReadAt: readAt})
		return setJSON(tx, messageKey(messageId), message)
	})
}

func (p *BuntDBPersist) UpsertReaction(_ context.Context, messageId, userId, emoji string) (types.JSONReactions, error) {
	var reactions types.JSONReactions
	err := p.db.Update(func(tx *buntdb.Tx) error {
		message := types.Message{}
		if err := getJSON(tx, messageKey(messageId), &message); err != nil {
			return err
		}
		kept := message.Reactions[:0]
		for _, r := range message.Reactions {
			if r.UserId != userId {
				kept = append(kept, r)
			}
		}
		message.Reactions = append(kept, types.Reaction{Emoji: emoji, UserId: userId})
		reactions = message.Reactions
		return setJSON(tx, messageKey(messageId), message)
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func (p *BuntDBPersist) FindOrCreateConversation(_ context.Context, userX, userY string) (*types.Conversation, error) {
	if userX == "" || userY == "" || userX == userY {
		return nil, fmt.Errorf("%w: a conversation needs two distinct participants", ErrValidation)
	}
	if strings.Contains(userX, "|") || strings.Contains(userY, "|") {
		return nil, fmt.Errorf("%w: invalid participant id", ErrValidation)
	}
	userA, userB := types.ParticipantPair(userX, userY)
	conversation := &types.Conversation{}
	// the pair key is written in the same transaction as the conversation, so
	// a racing create observes it and returns the existing record
	err := p.db.Update(func(tx *buntdb.Tx) error {
		convId, err := tx.Get(convPairKey(userA, userB))
		if err == nil {
			return getJSON(tx, convKey(convId), conversation)
		}
		if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		conversation.Id = uuid.NewString()
		conversation.UserA = userA
		conversation.UserB = userB
		conversation.Unread = types.JSONInt64Map{}
		conversation.CreatedAt = time.Now().UTC()
		if _, _, err := tx.Set(convPairKey(userA, userB), conversation.Id, nil); err != nil {
			return err
		}
		return setJSON(tx, convKey(conversation.Id), conversation)
	})
	if err != nil {
		return nil, err
	}
	return conversation, nil
}

func (p *BuntDBPersist) GetConversation(_ context.Context, conversation *types.Conversation) error {
	if conversation.Id == "" {
		return fmt.Errorf("%w: no conversation id", ErrValidation)
	}
	return p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, convKey(conversation.Id), conversation)
	})
}

func (p *BuntDBPersist) RecordDelivery(_ context.Context, conversationId, messageId, recipientId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		conversation := types.Conversation{}
		if err := getJSON(tx, convKey(conversationId), &conversation); err != nil {
			return err
		}
		if conversation.Unread == nil {
			conversation.Unread = types.JSONInt64Map{}
		}
		conversation.Unread[recipientId]++
		conversation.LastMessageId = messageId
		return setJSON(tx, convKey(conversationId), conversation)
	})
}

func (p *BuntDBPersist) ResetUnread(_ context.Context, conversationId, userId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		conversation := types.Conversation{}
		if err := getJSON(tx, convKey(conversationId), &conversation); err != nil {
			return err
		}
		if conversation.Unread == nil {
			conversation.Unread = types.JSONInt64Map{}
		}
		conversation.Unread[userId] = 0
		return setJSON(tx, convKey(conversationId), conversation)
	})
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
