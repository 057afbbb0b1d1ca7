package types

import "fmt"

// ChannelKind discriminates the fan-out address space.
type ChannelKind int

const (
	ChannelKindRoom ChannelKind = iota + 1
	ChannelKindInbox
	ChannelKindLegacy
)

// Channel is an addressable fan-out target: a room, a user's private inbox or
// the legacy global broadcast. Channels are comparable and never persisted.
type Channel struct {
	Kind ChannelKind
	Key  string
}

func RoomChannel(roomId string) Channel {
	return Channel{Kind: ChannelKindRoom, Key: roomId}
}

func InboxChannel(userId string) Channel {
	return Channel{Kind: ChannelKindInbox, Key: userId}
}

// LegacyBroadcast addresses every live session; it backs the historic
// socket-wide events (users_list, user_joined, global typing).
func LegacyBroadcast() Channel {
	return Channel{Kind: ChannelKindLegacy}
}

func (c Channel) String() string {
	switch c.Kind {
	case ChannelKindRoom:
		return "room:" + c.Key
	case ChannelKindInbox:
		return "user:" + c.Key
	case ChannelKindLegacy:
		return "legacy"
	}
	return fmt.Sprintf("channel(%d:%s)", c.Kind, c.Key)
}
