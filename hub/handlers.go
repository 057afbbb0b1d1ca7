package hub

import (
	"context"
	"errors"
	"time"

	"github.com/folkengine/goname"
	"github.com/parley-chat/parley/globals"
	"github.com/parley-chat/parley/persistence"
	"github.com/parley-chat/parley/registry"
	"github.com/parley-chat/parley/types"
)

func (h *Hub) handleAuthenticate(ctx context.Context, session *registry.Session, payload types.AuthenticatePayload) *Error {
	userId, err := h.verifier.Verify(ctx, payload.Token)
	if err != nil {
		globals.AppLogger.Debug("authentication failed", "session", session.Id, "error", err)
		return &Error{Kind: KindAuthenticationFailed, Message: "Authentication failed"}
	}
	user := types.User{Id: userId}
	if err := h.persister.GetUser(ctx, &user); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return &Error{Kind: KindAuthenticationFailed, Message: "User not found"}
		}
		return storageError(err, "User not found")
	}

	user.Status = types.UserStatusOnline
	user.LastSeen = time.Now().UTC()
	if err := h.persister.UpdatePresence(ctx, user.Id, user.Status, user.LastSeen); err != nil {
		return storageError(err, "User not found")
	}

	h.registry.BindUser(session, &user)
	h.senderCache.Add(user.Id, user.Ref())

	// subscribe to every room the user belongs to, plus the private inbox
	rooms, err := h.persister.RoomsForUser(ctx, user.Id)
	if err != nil {
		return storageError(err, "")
	}
	for _, room := range rooms {
		h.registry.Subscribe(session.Id, types.RoomChannel(room.Id))
	}
	h.registry.Subscribe(session.Id, types.InboxChannel(user.Id))

	h.notifyFriends(&user, types.UserStatusOnline)

	h.sendTo(session, types.EventAuthenticated, types.AuthenticatedEvent{User: user})
	globals.AppLogger.Info("user authenticated", "user", user.Username, "session", session.Id)
	return nil
}

// notifyFriends emits friend_status_changed into each friend's inbox channel.
func (h *Hub) notifyFriends(user *types.User, status string) {
	event := types.FriendStatusEvent{UserId: user.Id, Status: status}
	for _, friendId := range user.Friends {
		h.broadcast(types.InboxChannel(friendId), types.EventFriendStatusChanged, event)
	}
}

func (h *Hub) handleJoinChat(session *registry.Session, payload types.JoinChatPayload) *Error {
	username := payload.Username
	if username == "" {
		username = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}
	h.registry.BindLegacy(session, username)

	h.broadcast(types.LegacyBroadcast(), types.EventUserJoined, types.LegacyPresenceEvent{
		Id:       session.Id,
		Username: username,
		Message:  username + " has joined the chat",
	})
	h.broadcast(types.LegacyBroadcast(), types.EventUsersList, h.registry.Roster())
	return nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, session *registry.Session, payload types.JoinRoomPayload) *Error {
	if !session.HasIdentity() {
		return errUnauthorized("You must be authenticated or have a username to join a room")
	}
	if payload.RoomId == "" {
		return errValidation("roomId is required")
	}

	// legacy sessions historically bypass the membership check; the bypass is
	// kept behind a config switch
	enforce := session.Authenticated() || !h.cfg.AllowGuestPrivateRooms
	if enforce {
		room := types.Room{Id: payload.RoomId}
		if err := h.persister.GetRoom(ctx, &room); err != nil {
			return storageError(err, "Room not found")
		}
		if room.IsPrivate && !room.HasMember(session.UserId()) {
			return errForbidden("You are not a member of this room")
		}
	}

	h.registry.Subscribe(session.Id, types.RoomChannel(payload.RoomId))

	h.broadcast(types.RoomChannel(payload.RoomId), types.EventUserJoinedRoom, types.RoomPresenceEvent{
		RoomId: payload.RoomId,
		User:   types.RosterEntry{Id: session.Id, Username: session.DisplayName()},
	}, session.Id)
	return nil
}

func (h *Hub) handleLeaveRoom(session *registry.Session, payload types.JoinRoomPayload) *Error {
	if payload.RoomId == "" {
		return errValidation("roomId is required")
	}
	h.registry.Unsubscribe(session.Id, types.RoomChannel(payload.RoomId))

	h.broadcast(types.RoomChannel(payload.RoomId), types.EventUserLeftRoom, types.RoomPresenceEvent{
		RoomId: payload.RoomId,
		User:   types.RosterEntry{Id: session.Id, Username: session.DisplayName()},
	}, session.Id)
	return nil
}

func (h *Hub) handleRoomMessage(ctx context.Context, session *registry.Session, payload types.RoomMessagePayload) *Error {
	if !session.HasIdentity() {
		return errUnauthorized("You must be authenticated or have a username to send messages")
	}
	if payload.RoomId == "" {
		return errValidation("roomId is required")
	}
	if payload.Content == "" && payload.File == nil {
		return errValidation("message needs content or a file")
	}

	if !session.Authenticated() {
		// guest messages are delivered live but never persisted
		h.broadcast(types.RoomChannel(payload.RoomId), types.EventReceiveRoomMessage, types.ResolvedMessage{
			Content:   payload.Content,
			Sender:    types.UserRef{Id: session.Id, Username: session.LegacyName()},
			RoomId:    payload.RoomId,
			File:      payload.File,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}

	user := session.User()
	room := types.Room{Id: payload.RoomId}
	if err := h.persister.GetRoom(ctx, &room); err != nil {
		return storageError(err, "Room not found")
	}
	if !room.HasMember(user.Id) {
		return errForbidden("You are not a member of this room")
	}

	var reply *types.ReplyPreview
	if payload.ReplyTo != "" {
		replied := types.Message{Id: payload.ReplyTo}
		if err := h.persister.GetMessage(ctx, &replied); err != nil {
			return storageError(err, "Replied-to message not found")
		}
		if replied.RoomId != payload.RoomId {
			return errValidation("replyTo references a message outside this room")
		}
		reply = h.replyPreview(ctx, &replied)
	}

	message := types.Message{
		Content:   payload.Content,
		SenderId:  user.Id,
		RoomId:    payload.RoomId,
		ReplyToId: payload.ReplyTo,
		File:      (*types.JSONFile)(payload.File),
	}
	if err := h.persister.CreateMessage(ctx, &message); err != nil {
		// no fan-out unless the write is durable
		return storageError(err, "")
	}

	resolved := h.resolveMessage(&message, user.Ref())
	resolved.ReplyTo = reply
	h.broadcast(types.RoomChannel(payload.RoomId), types.EventReceiveRoomMessage, resolved)
	return nil
}

func (h *Hub) handleDirectMessage(ctx context.Context, session *registry.Session, payload types.DirectMessagePayload) *Error {
	if !session.Authenticated() {
		return errUnauthorized("You must be authenticated to send direct messages")
	}
	user := session.User()
	if payload.RecipientId == "" {
		return errValidation("recipientId is required")
	}
	if payload.RecipientId == user.Id {
		return errForbidden("You cannot message yourself")
	}
	if payload.Content == "" && payload.File == nil {
		return errValidation("message needs content or a file")
	}
	recipient := types.User{Id: payload.RecipientId}
	if err := h.persister.GetUser(ctx, &recipient); err != nil {
		return storageError(err, "Recipient not found")
	}

	conv, err := h.conversations.Resolve(ctx, user.Id, payload.RecipientId)
	if err != nil {
		return storageError(err, "")
	}

	var reply *types.ReplyPreview
	if payload.ReplyTo != "" {
		replied := types.Message{Id: payload.ReplyTo}
		if err := h.persister.GetMessage(ctx, &replied); err != nil {
			return storageError(err, "Replied-to message not found")
		}
		if replied.ConversationId != conv.Id {
			return errValidation("replyTo references a message outside this conversation")
		}
		reply = h.replyPreview(ctx, &replied)
	}

	message := types.Message{
		Content:        payload.Content,
		SenderId:       user.Id,
		ConversationId: conv.Id,
		ReplyToId:      payload.ReplyTo,
		File:           (*types.JSONFile)(payload.File),
	}
	if err := h.persister.CreateMessage(ctx, &message); err != nil {
		return storageError(err, "")
	}
	if err := h.conversations.RecordDelivery(ctx, conv, &message, payload.RecipientId); err != nil {
		return storageError(err, "")
	}

	resolved := h.resolveMessage(&message, user.Ref())
	resolved.ReplyTo = reply
	// the sender's inbox covers all of the sender's sessions, including this one
	h.broadcast(types.InboxChannel(payload.RecipientId), types.EventReceiveDirectMessage, resolved)
	h.broadcast(types.InboxChannel(user.Id), types.EventReceiveDirectMessage, resolved)
	return nil
}

func (h *Hub) handleMarkRead(ctx context.Context, session *registry.Session, payload types.MarkReadPayload) *Error {
	if !session.Authenticated() {
		return errUnauthorized("You must be authenticated to mark messages as read")
	}
	userId := session.UserId()
	readAt := time.Now().UTC()

	for _, messageId := range payload.MessageIds {
		err := h.persister.AppendReadReceipt(ctx, messageId, userId, readAt)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return storageError(err, "")
		}
	}

	messages, err := h.persister.GetMessages(ctx, payload.MessageIds)
	if err != nil {
		return storageError(err, "")
	}
	conversationIds := make(map[string]struct{})
	for _, message := range messages {
		if message.ConversationId != "" {
			conversationIds[message.ConversationId] = struct{}{}
		}
	}
	for conversationId := range conversationIds {
		err := h.conversations.MarkConsumed(ctx, conversationId, userId)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return storageError(err, "")
		}
	}

	h.sendTo(session, types.EventMessagesMarkedRead, types.MarkedReadEvent{MessageIds: payload.MessageIds})
	return nil
}

func (h *Hub) handleAddReaction(ctx context.Context, session *registry.Session, payload types.ReactionPayload) *Error {
	if !session.Authenticated() {
		return errUnauthorized("You must be authenticated to add reactions")
	}
	if payload.MessageId == "" || payload.Emoji == "" {
		return errValidation("messageId and emoji are required")
	}
	userId := session.UserId()

	message := types.Message{Id: payload.MessageId}
	if err := h.persister.GetMessage(ctx, &message); err != nil {
		return storageError(err, "Message not found")
	}

	// the reactor needs access to the message's container
	var targets []types.Channel
	switch {
	case message.RoomId != "":
		room := types.Room{Id: message.RoomId}
		if err := h.persister.GetRoom(ctx, &room); err != nil {
			return storageError(err, "Room not found")
		}
		if !room.HasMember(userId) {
			return errForbidden("You are not a member of this room")
		}
		targets = []types.Channel{types.RoomChannel(room.Id)}

	case message.ConversationId != "":
		conv := types.Conversation{Id: message.ConversationId}
		if err := h.persister.GetConversation(ctx, &conv); err != nil {
			return storageError(err, "Conversation not found")
		}
		if !conv.HasParticipant(userId) {
			return errForbidden("You are not part of this conversation")
		}
		targets = []types.Channel{types.InboxChannel(conv.UserA), types.InboxChannel(conv.UserB)}
	}

	reactions, err := h.persister.UpsertReaction(ctx, payload.MessageId, userId, payload.Emoji)
	if err != nil {
		return storageError(err, "Message not found")
	}

	event := types.ReactionUpdateEvent{
		MessageId: payload.MessageId,
		Reactions: h.reactionViews(ctx, reactions),
	}
	for _, target := range targets {
		h.broadcast(target, types.EventMessageReactionUpdated, event)
	}
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, session *registry.Session, payload types.TypingPayload) *Error {
	username := session.DisplayName()
	if username == "" {
		username = "Anonymous"
	}
	event := types.TypingEvent{
		Id:       session.Id,
		Username: username,
		IsTyping: payload.IsTyping,
	}

	switch {
	case payload.RoomId != "":
		event.RoomId = payload.RoomId
		h.broadcast(types.RoomChannel(payload.RoomId), types.EventUserTyping, event, session.Id)

	case payload.ConversationId != "":
		// best effort: typing into a conversation the session is not part of
		// is silently dropped
		if !session.Authenticated() {
			return nil
		}
		conv := types.Conversation{Id: payload.ConversationId}
		if err := h.persister.GetConversation(ctx, &conv); err != nil {
			return nil
		}
		if !conv.HasParticipant(session.UserId()) {
			return nil
		}
		event.ConversationId = payload.ConversationId
		h.broadcast(types.InboxChannel(conv.OtherParticipant(session.UserId())), types.EventUserTyping, event, session.Id)

	default:
		// legacy global typing
		h.broadcast(types.LegacyBroadcast(), types.EventUserTyping, event, session.Id)
	}
	return nil
}

// Disconnect runs the departure transitions for a closing session. The
// registry removal is synchronous, so the session receives no fan-out beyond
// this point; writes from its earlier events have already completed because
// dispatch is synchronous per connection.
func (h *Hub) Disconnect(ctx context.Context, session *registry.Session) {
	removed := h.registry.Deregister(session.Id)
	if removed == nil {
		return
	}

	if user := session.User(); user != nil {
		user.Status = types.UserStatusOffline
		user.LastSeen = time.Now().UTC()
		if err := h.persister.UpdatePresence(ctx, user.Id, user.Status, user.LastSeen); err != nil {
			globals.AppLogger.Error("could not persist offline status", "user", user.Id, "error", err)
		}
		h.notifyFriends(user, types.UserStatusOffline)
		globals.AppLogger.Info("user disconnected", "user", user.Username, "session", session.Id)
		return
	}

	if name := session.LegacyName(); name != "" {
		h.broadcast(types.LegacyBroadcast(), types.EventUserLeft, types.LegacyPresenceEvent{
			Id:       session.Id,
			Username: name,
			Message:  name + " has left the chat",
		})
		h.broadcast(types.LegacyBroadcast(), types.EventUsersList, h.registry.Roster())
	}
}

// FlushPresence persists last-seen for every currently-authenticated user;
// wired to the cron schedule from the server binary.
func (h *Hub) FlushPresence(ctx context.Context) {
	userIds := h.registry.AuthenticatedUserIds()
	if len(userIds) == 0 {
		return
	}
	if err := h.persister.TouchLastSeen(ctx, userIds, time.Now().UTC()); err != nil {
		globals.AppLogger.Error("could not flush presence", "error", err)
	}
}
