package types

import "time"

const (
	UserStatusOnline  = "online"
	UserStatusOffline = "offline"
)

// User is a durable account. Presence (Status/LastSeen) is mutated on
// authenticate and disconnect, the rest via the profile path.
type User struct {
	Id           string          `json:"_id" gorm:"primaryKey"`
	Username     string          `json:"username" gorm:"uniqueIndex"`
	PasswordHash string          `json:"-"`
	Avatar       string          `json:"avatar"`
	Status       string          `json:"status"`
	LastSeen     time.Time       `json:"lastSeen"`
	Friends      JSONStringSlice `json:"friends"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"-"`
}

// UserRef is the resolved display view of a user embedded in outbound
// messages and reaction lists.
type UserRef struct {
	Id       string `json:"_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

func (u *User) Ref() UserRef {
	return UserRef{Id: u.Id, Username: u.Username, Avatar: u.Avatar}
}
