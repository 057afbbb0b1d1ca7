package persistence

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ driver.Valuer = &datatypes.JSON{}

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	p := GormPersist{db: db}
	return &p, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no DSN configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if cfg.PersistenceConfig.Type == "sqlite" {
		// sqlite cannot upgrade read locks across connections; a single
		// connection serializes the read-then-write transactions below
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.Migrator().AutoMigrate(&types.User{}, &types.Room{}, &types.Conversation{}, &types.Message{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// mapErr translates gorm sentinels into the gateway taxonomy.
func mapErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) StoreUser(ctx context.Context, user types.User) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&user).Error
}

func (p *GormPersist) GetUser(ctx context.Context, user *types.User) error {
	return mapErr(p.db.WithContext(ctx).First(user).Error)
}

func (p *GormPersist) GetUsers(ctx context.Context) ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.WithContext(ctx).Find(&users).Error
	return users, err
}

func (p *GormPersist) UpdatePresence(ctx context.Context, userId, status string, lastSeen time.Time) error {
	res := p.db.WithContext(ctx).Model(&types.User{}).Where("id = ?", userId).
		Updates(map[string]interface{}{"status": status, "last_seen": lastSeen})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) TouchLastSeen(ctx context.Context, userIds []string, lastSeen time.Time) error {
	if len(userIds) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).Model(&types.User{}).Where("id IN ?", userIds).
		Update("last_seen", lastSeen).Error
}

func (p *GormPersist) StoreRoom(ctx context.Context, room types.Room) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&room).Error
}

func (p *GormPersist) GetRoom(ctx context.Context, room *types.Room) error {
	return mapErr(p.db.WithContext(ctx).First(room).Error)
}

func (p *GormPersist) GetRooms(ctx context.Context) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.WithContext(ctx).Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) DeleteRoom(ctx context.Context, room *types.Room) error {
	return p.db.WithContext(ctx).Delete(room).Error
}

func (p *GormPersist) AddRoomMember(ctx context.Context, roomId, userId string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room := types.Room{Id: roomId}
		if err := tx.First(&room).Error; err != nil {
			return mapErr(err)
		}
		if room.HasMember(userId) {
			return nil
		}
		room.Members = append(room.Members, userId)
		return tx.Model(&room).Update("members", room.Members).Error
	})
}

func (p *GormPersist) RemoveRoomMember(ctx context.Context, roomId, userId string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room := types.Room{Id: roomId}
		if err := tx.First(&room).Error; err != nil {
			return mapErr(err)
		}
		members := room.Members[:0]
		for _, m := range room.Members {
			if m != userId {
				members = append(members, m)
			}
		}
		return tx.Model(&room).Update("members", members).Error
	})
}

func (p *GormPersist) RoomsForUser(ctx context.Context, userId string) ([]*types.Room, error) {
	// membership lives in a JSON column, filter in memory to stay
	// dialect-independent
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

func (p *GormPersist) CreateMessage(ctx context.Context, message *types.Message) error {
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
	// retry-safe: re-issuing the same message id converges on one row
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(message).Error
}

func (p *GormPersist) GetMessage(ctx context.Context, message *types.Message) error {
	return mapErr(p.db.WithContext(ctx).First(message).Error)
}

func (p *GormPersist) GetMessages(ctx context.Context, ids []string) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	if len(ids) == 0 {
		return messages, nil
	}
	err := p.db.WithContext(ctx).Where("id IN ?", ids).Find(&messages).Error
	return messages, err
}

func (p *GormPersist) AppendReadReceipt(ctx context.Context, messageId, userId string, readAt time.Time) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message := types.Message{Id: messageId}
		if err := tx.First(&message).Error; err != nil {
			return mapErr(err)
		}
		if message.ReadByUser(userId) {
			return nil
		}
		message.ReadBy = append(message.ReadBy, types.ReadReceipt{UserId: userId, ReadAt: readAt})
		return tx.Model(&message).Update("read_by", message.ReadBy).Error
	})
}

func (p *GormPersist) UpsertReaction(ctx context.Context, messageId, userId, emoji string) (types.JSONReactions, error) {
	var reactions types.JSONReactions
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		message := types.Message{Id: messageId}
		if err := tx.First(&message).Error; err != nil {
			return mapErr(err)
		}
		kept := message.Reactions[:0]
		for _, r := range message.Reactions {
			if r.UserId != userId {
				kept = append(kept, r)
			}
		}
		message.Reactions = append(kept, types.Reaction{Emoji: emoji, UserId: userId})
		reactions = message.Reactions
		return tx.Model(&message).Update("reactions", message.Reactions).Error
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

func (p *GormPersist) FindOrCreateConversation(ctx context.Context, userX, userY string) (*types.Conversation, error) {
	if userX == "" || userY == "" || userX == userY {
		return nil, fmt.Errorf("%w: a conversation needs two distinct participants", ErrValidation)
	}
	userA, userB := types.ParticipantPair(userX, userY)
	// two attempts: a lost create-race surfaces as a uniqueness violation,
	// after which the lookup must succeed
	var createErr error
	for attempt := 0; attempt < 2; attempt++ {
		conversation := types.Conversation{}
		err := p.db.WithContext(ctx).Where("user_a = ? AND user_b = ?", userA, userB).First(&conversation).Error
		if err == nil {
			return &conversation, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		conversation = types.Conversation{
			Id:     uuid.NewString(),
			UserA:  userA,
			UserB:  userB,
			Unread: types.JSONInt64Map{},
		}
		createErr = p.db.WithContext(ctx).Create(&conversation).Error
		if createErr == nil {
			return &conversation, nil
		}
	}
	conversation := types.Conversation{}
	err := p.db.WithContext(ctx).Where("user_a = ? AND user_b = ?", userA, userB).First(&conversation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// the create did not lose a race, it genuinely failed
			return nil, createErr
		}
		return nil, err
	}
	return &conversation, nil
}

func (p *GormPersist) GetConversation(ctx context.Context, conversation *types.Conversation) error {
	return mapErr(p.db.WithContext(ctx).First(conversation).Error)
}

func (p *GormPersist) RecordDelivery(ctx context.Context, conversationId, messageId, recipientId string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation := types.Conversation{Id: conversationId}
		if err := tx.First(&conversation).Error; err != nil {
			return mapErr(err)
		}
		if conversation.Unread == nil {
			conversation.Unread = types.JSONInt64Map{}
		}
		conversation.Unread[recipientId]++
		return tx.Model(&conversation).
			Updates(map[string]interface{}{"last_message_id": messageId, "unread": conversation.Unread}).Error
	})
}

func (p *GormPersist) ResetUnread(ctx context.Context, conversationId, userId string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversation := types.Conversation{Id: conversationId}
		if err := tx.First(&conversation).Error; err != nil {
			return mapErr(err)
		}
		if conversation.Unread == nil {
			conversation.Unread = types.JSONInt64Map{}
		}
		conversation.Unread[userId] = 0
		return tx.Model(&conversation).Update("unread", conversation.Unread).Error
	})
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
