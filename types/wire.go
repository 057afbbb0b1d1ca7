package types

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventAuthenticate      = "authenticate"
	EventJoinChat          = "join_chat"
	EventJoinRoom          = "join_room"
	EventLeaveRoom         = "leave_room"
	EventSendRoomMessage   = "send_room_message"
	EventSendDirectMessage = "send_direct_message"
	EventMarkMessagesRead  = "mark_messages_read"
	EventAddReaction       = "add_reaction"
	EventTyping            = "typing"
)

// Outbound event names.
const (
	EventAuthenticated          = "authenticated"
	EventAuthError              = "auth_error"
	EventUserJoined             = "user_joined"
	EventUserLeft               = "user_left"
	EventUsersList              = "users_list"
	EventUserJoinedRoom         = "user_joined_room"
	EventUserLeftRoom           = "user_left_room"
	EventReceiveRoomMessage     = "receive_room_message"
	EventReceiveDirectMessage   = "receive_direct_message"
	EventUserTyping             = "user_typing"
	EventMessageReactionUpdated = "message_reaction_updated"
	EventMessagesMarkedRead     = "messages_marked_read"
	EventFriendStatusChanged    = "friend_status_changed"
	EventError                  = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket
// connection, in both directions.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// The different payloads transferred from the client to the hub. Field names
// stay camelCase on the wire for compatibility with existing clients.

type AuthenticatePayload struct {
	Token string `json:"token" mapstructure:"token"`
}

type JoinChatPayload struct {
	Username string `json:"username" mapstructure:"username"`
}

type JoinRoomPayload struct {
	RoomId string `json:"roomId" mapstructure:"roomId"`
}

type RoomMessagePayload struct {
	RoomId  string          `json:"roomId" mapstructure:"roomId"`
	Content string          `json:"content" mapstructure:"content"`
	ReplyTo string          `json:"replyTo" mapstructure:"replyTo"`
	File    *FileDescriptor `json:"file" mapstructure:"file"`
}

type DirectMessagePayload struct {
	RecipientId string          `json:"recipientId" mapstructure:"recipientId"`
	Content     string          `json:"content" mapstructure:"content"`
	ReplyTo     string          `json:"replyTo" mapstructure:"replyTo"`
	File        *FileDescriptor `json:"file" mapstructure:"file"`
}

type MarkReadPayload struct {
	MessageIds []string `json:"messageIds" mapstructure:"messageIds"`
}

type ReactionPayload struct {
	MessageId string `json:"messageId" mapstructure:"messageId"`
	Emoji     string `json:"emoji" mapstructure:"emoji"`
}

type TypingPayload struct {
	RoomId         string `json:"roomId" mapstructure:"roomId"`
	ConversationId string `json:"conversationId" mapstructure:"conversationId"`
	IsTyping       bool   `json:"isTyping" mapstructure:"isTyping"`
}

// The different payloads transferred from the hub to clients.

// ReplyPreview is the resolved excerpt of the message being replied to.
type ReplyPreview struct {
	Id      string  `json:"_id"`
	Content string  `json:"content"`
	Sender  UserRef `json:"sender"`
}

// ResolvedMessage is the outbound message representation with sender and
// reply fields expanded from stored references. Id is empty for legacy
// (never-persisted) messages.
type ResolvedMessage struct {
	Id             string          `json:"_id,omitempty"`
	Content        string          `json:"content"`
	Sender         UserRef         `json:"sender"`
	RoomId         string          `json:"roomId,omitempty"`
	ConversationId string          `json:"conversationId,omitempty"`
	ReplyTo        *ReplyPreview   `json:"replyTo,omitempty"`
	File           *FileDescriptor `json:"file,omitempty"`
	IsDeleted      bool            `json:"isDeleted,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// RosterEntry identifies a live session in the legacy roster.
type RosterEntry struct {
	Id       string `json:"id"`
	Username string `json:"username"`
}

type AuthenticatedEvent struct {
	User User `json:"user"`
}

type AuthErrorEvent struct {
	Message string `json:"message"`
}

// LegacyPresenceEvent backs user_joined / user_left.
type LegacyPresenceEvent struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// RoomPresenceEvent backs user_joined_room / user_left_room.
type RoomPresenceEvent struct {
	RoomId string      `json:"roomId"`
	User   RosterEntry `json:"user"`
}

type TypingEvent struct {
	Id             string `json:"id"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
	RoomId         string `json:"roomId,omitempty"`
	ConversationId string `json:"conversationId,omitempty"`
}

type ReactionView struct {
	Emoji string  `json:"emoji"`
	User  UserRef `json:"user"`
}

type ReactionUpdateEvent struct {
	MessageId string         `json:"messageId"`
	Reactions []ReactionView `json:"reactions"`
}

type MarkedReadEvent struct {
	MessageIds []string `json:"messageIds"`
}

type FriendStatusEvent struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

// ErrorEvent carries a stable error kind plus a human-readable message; it is
// only ever sent to the originating session.
type ErrorEvent struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Encode wraps payload into the wire envelope.
func Encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}
