package types

import "time"

// Reaction is one user's emoji on a message. A user has at most one reaction
// per message; adding another replaces the previous one.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserId string `json:"user"`
}

// ReadReceipt records that a user read a message; at most one per user.
type ReadReceipt struct {
	UserId string    `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

// FileDescriptor points at an already-uploaded attachment. The upload itself
// happens outside the hub; only the descriptor travels on messages.
type FileDescriptor struct {
	Filename     string `json:"filename,omitempty"`
	OriginalName string `json:"originalname,omitempty"`
	MimeType     string `json:"mimetype,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Url          string `json:"url,omitempty"`
}

// Message is immutable once created except for the reactions and readBy
// sub-collections and the soft-delete flag. Exactly one of RoomId and
// ConversationId is set.
type Message struct {
	Id             string           `json:"_id" gorm:"primaryKey"`
	Content        string           `json:"content"`
	SenderId       string           `json:"sender" gorm:"index:idx_message_sender"`
	RoomId         string           `json:"room,omitempty" gorm:"index:idx_message_room"`
	ConversationId string           `json:"conversation,omitempty" gorm:"index:idx_message_conversation"`
	File           *JSONFile        `json:"file,omitempty"`
	ReplyToId      string           `json:"replyTo,omitempty"`
	Reactions      JSONReactions    `json:"reactions"`
	ReadBy         JSONReadReceipts `json:"readBy"`
	IsDeleted      bool             `json:"isDeleted"`
	CreatedAt      time.Time        `json:"createdAt" gorm:"index:idx_message_room;index:idx_message_conversation"`
	UpdatedAt      time.Time        `json:"-"`
}

// ReadBy lookup, used to keep receipt appends idempotent.
func (m *Message) ReadByUser(userId string) bool {
	for _, r := range m.ReadBy {
		if r.UserId == userId {
			return true
		}
	}
	return false
}
