package types

import "time"

// Conversation is the unique 1:1 message container for an unordered pair of
// users. UserA/UserB are stored in lexicographic order so the pair forms a
// natural unique key regardless of who messaged first.
type Conversation struct {
	Id            string       `json:"_id" gorm:"primaryKey"`
	UserA         string       `json:"-" gorm:"uniqueIndex:idx_conversation_pair"`
	UserB         string       `json:"-" gorm:"uniqueIndex:idx_conversation_pair"`
	LastMessageId string       `json:"lastMessage,omitempty"`
	Unread        JSONInt64Map `json:"unreadCount"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"-"`
}

// ParticipantPair orders two user ids into the canonical stored form.
func ParticipantPair(x, y string) (string, string) {
	if x > y {
		return y, x
	}
	return x, y
}

func (c *Conversation) Participants() []string {
	return []string{c.UserA, c.UserB}
}

func (c *Conversation) HasParticipant(userId string) bool {
	return c.UserA == userId || c.UserB == userId
}

// OtherParticipant returns the participant that is not userId.
func (c *Conversation) OtherParticipant(userId string) string {
	if c.UserA == userId {
		return c.UserB
	}
	return c.UserA
}
