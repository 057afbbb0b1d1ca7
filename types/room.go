package types

import "time"

// Room is a durable multicast target. The owner is always a member; only the
// owner may delete the room or remove other members.
type Room struct {
	Id          string          `json:"_id" gorm:"primaryKey"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	IsPrivate   bool            `json:"isPrivate"`
	OwnerId     string          `json:"owner"`
	Members     JSONStringSlice `json:"members"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"-"`
}

func (r *Room) HasMember(userId string) bool {
	for _, m := range r.Members {
		if m == userId {
			return true
		}
	}
	return false
}
