package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/parley-chat/parley/auth"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/persistence"
	"github.com/parley-chat/parley/registry"
	"github.com/parley-chat/parley/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubVerifier treats the token as the user id; "bad" never verifies.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" || token == "bad" {
		return "", auth.ErrVerification
	}
	return token, nil
}

func newTestHub(t *testing.T, hubCfg config.HubConfig) (*Hub, persistence.Persister) {
	t.Helper()
	cfg := &config.Config{
		PersistenceConfig: config.PersistenceConfig{
			Type: "sqlite",
			DSN:  filepath.Join(t.TempDir(), "test.db"),
		},
	}
	p, err := persistence.NewPersister(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	h, err := NewHub(hubCfg, registry.NewRegistry(64), p, stubVerifier{})
	require.NoError(t, err)
	return h, p
}

func defaultHubConfig() config.HubConfig {
	return config.HubConfig{AllowGuestPrivateRooms: true}
}

func seedUser(t *testing.T, p persistence.Persister, id string, friends ...string) {
	t.Helper()
	require.NoError(t, p.StoreUser(context.Background(), types.User{
		Id:       id,
		Username: id,
		Status:   types.UserStatusOffline,
		Friends:  types.JSONStringSlice(friends),
	}))
}

func seedRoom(t *testing.T, p persistence.Persister, id string, private bool, members ...string) {
	t.Helper()
	require.NoError(t, p.StoreRoom(context.Background(), types.Room{
		Id:        id,
		Name:      id,
		IsPrivate: private,
		OwnerId:   members[0],
		Members:   types.JSONStringSlice(members),
	}))
}

func dispatch(t *testing.T, h *Hub, session *registry.Session, event string, payload interface{}) {
	t.Helper()
	raw, err := types.Encode(event, payload)
	require.NoError(t, err)
	h.Dispatch(context.Background(), session, raw)
}

// drainEvents empties the session's outbound queue. Dispatch is synchronous,
// so everything a handler emitted is already enqueued.
func drainEvents(t *testing.T, session *registry.Session) []types.WebsocketMessage {
	t.Helper()
	var events []types.WebsocketMessage
	for {
		select {
		case raw := <-session.Outbound():
			message := types.WebsocketMessage{}
			require.NoError(t, json.Unmarshal(raw, &message))
			events = append(events, message)
		default:
			return events
		}
	}
}

func eventsNamed(events []types.WebsocketMessage, name string) []json.RawMessage {
	var matches []json.RawMessage
	for _, event := range events {
		if event.Event == name {
			matches = append(matches, event.Data)
		}
	}
	return matches
}

func authenticate(t *testing.T, h *Hub, userId string) *registry.Session {
	t.Helper()
	session := h.Connect()
	dispatch(t, h, session, types.EventAuthenticate, types.AuthenticatePayload{Token: userId})
	events := drainEvents(t, session)
	require.Len(t, eventsNamed(events, types.EventAuthenticated), 1, "expected authenticated event for %s", userId)
	return session
}

func TestAuthenticateSuccess(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedRoom(t, p, "general", false, "u1")

	session := h.Connect()
	dispatch(t, h, session, types.EventAuthenticate, types.AuthenticatePayload{Token: "u1"})

	events := drainEvents(t, session)
	authed := eventsNamed(events, types.EventAuthenticated)
	require.Len(t, authed, 1)
	var payload types.AuthenticatedEvent
	require.NoError(t, json.Unmarshal(authed[0], &payload))
	assert.Equal(t, "u1", payload.User.Id)
	assert.Equal(t, types.UserStatusOnline, payload.User.Status)

	// membership rooms and the private inbox are subscribed automatically
	assert.True(t, h.registry.Subscribed(session.Id, types.RoomChannel("general")))
	assert.True(t, h.registry.Subscribed(session.Id, types.InboxChannel("u1")))

	stored := types.User{Id: "u1"}
	require.NoError(t, p.GetUser(context.Background(), &stored))
	assert.Equal(t, types.UserStatusOnline, stored.Status)
}

func TestAuthenticateFailureKeepsSession(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	session := h.Connect()
	dispatch(t, h, session, types.EventAuthenticate, types.AuthenticatePayload{Token: "bad"})

	events := drainEvents(t, session)
	require.Len(t, eventsNamed(events, types.EventAuthError), 1)
	assert.Empty(t, eventsNamed(events, types.EventError))
	assert.False(t, session.Authenticated())

	// the session stays open and can still go the legacy route
	dispatch(t, h, session, types.EventJoinChat, types.JoinChatPayload{Username: "zed"})
	events = drainEvents(t, session)
	assert.Len(t, eventsNamed(events, types.EventUserJoined), 1)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	session := h.Connect()
	dispatch(t, h, session, types.EventAuthenticate, types.AuthenticatePayload{Token: "ghost"})

	events := drainEvents(t, session)
	require.Len(t, eventsNamed(events, types.EventAuthError), 1)
	assert.False(t, session.Authenticated())
}

func TestJoinChatBroadcastsRoster(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	watcher := h.Connect()
	guest := h.Connect()
	dispatch(t, h, guest, types.EventJoinChat, types.JoinChatPayload{Username: "zed"})

	events := drainEvents(t, watcher)
	joined := eventsNamed(events, types.EventUserJoined)
	require.Len(t, joined, 1)
	var presence types.LegacyPresenceEvent
	require.NoError(t, json.Unmarshal(joined[0], &presence))
	assert.Equal(t, "zed", presence.Username)

	lists := eventsNamed(events, types.EventUsersList)
	require.Len(t, lists, 1)
	var roster []types.RosterEntry
	require.NoError(t, json.Unmarshal(lists[0], &roster))
	require.Len(t, roster, 1)
	assert.Equal(t, "zed", roster[0].Username)
}

func TestJoinChatGeneratesGuestName(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	guest := h.Connect()
	dispatch(t, h, guest, types.EventJoinChat, types.JoinChatPayload{})

	events := drainEvents(t, guest)
	joined := eventsNamed(events, types.EventUserJoined)
	require.Len(t, joined, 1)
	var presence types.LegacyPresenceEvent
	require.NoError(t, json.Unmarshal(joined[0], &presence))
	assert.Contains(t, presence.Username, "(guest)")
}

func TestJoinRoomRequiresIdentity(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	session := h.Connect()
	dispatch(t, h, session, types.EventJoinRoom, types.JoinRoomPayload{RoomId: "general"})

	events := drainEvents(t, session)
	errs := eventsNamed(events, types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindUnauthorized), errEvent.Kind)
}

func TestPrivateRoomForbidden(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "outsider")
	seedRoom(t, p, "sekrit", true, "u1")

	member := authenticate(t, h, "u1")
	intruder := authenticate(t, h, "outsider")

	dispatch(t, h, intruder, types.EventJoinRoom, types.JoinRoomPayload{RoomId: "sekrit"})
	events := drainEvents(t, intruder)
	errs := eventsNamed(events, types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindForbidden), errEvent.Kind)
	assert.False(t, h.registry.Subscribed(intruder.Id, types.RoomChannel("sekrit")))

	// nothing leaked to the member
	assert.Empty(t, eventsNamed(drainEvents(t, member), types.EventUserJoinedRoom))
}

func TestJoinRoomNotFound(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")

	session := authenticate(t, h, "u1")
	dispatch(t, h, session, types.EventJoinRoom, types.JoinRoomPayload{RoomId: "nowhere"})

	errs := eventsNamed(drainEvents(t, session), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindNotFound), errEvent.Kind)
}

func TestGuestPrivateRoomBypassSwitch(t *testing.T) {
	cfg := defaultHubConfig()
	cfg.AllowGuestPrivateRooms = false
	h, p := newTestHub(t, cfg)
	seedUser(t, p, "u1")
	seedRoom(t, p, "sekrit", true, "u1")

	guest := h.Connect()
	dispatch(t, h, guest, types.EventJoinChat, types.JoinChatPayload{Username: "zed"})
	drainEvents(t, guest)

	dispatch(t, h, guest, types.EventJoinRoom, types.JoinRoomPayload{RoomId: "sekrit"})
	errs := eventsNamed(drainEvents(t, guest), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindForbidden), errEvent.Kind)
}

func TestRoomMessageDelivery(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedRoom(t, p, "general", false, "u1", "u2")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")

	dispatch(t, h, sender, types.EventSendRoomMessage, types.RoomMessagePayload{
		RoomId: "general", Content: "hello",
	})

	for _, session := range []*registry.Session{sender, receiver} {
		received := eventsNamed(drainEvents(t, session), types.EventReceiveRoomMessage)
		require.Len(t, received, 1)
		var resolved types.ResolvedMessage
		require.NoError(t, json.Unmarshal(received[0], &resolved))
		assert.NotEmpty(t, resolved.Id)
		assert.Equal(t, "hello", resolved.Content)
		assert.Equal(t, "u1", resolved.Sender.Id)
		assert.Equal(t, "general", resolved.RoomId)
		assert.Nil(t, resolved.ReplyTo)

		// durable before fan-out
		stored := types.Message{Id: resolved.Id}
		require.NoError(t, p.GetMessage(context.Background(), &stored))
		assert.Equal(t, "hello", stored.Content)
	}
}

func TestRoomMessageNonMemberForbidden(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "outsider")
	seedRoom(t, p, "general", false, "u1")

	outsider := authenticate(t, h, "outsider")
	dispatch(t, h, outsider, types.EventSendRoomMessage, types.RoomMessagePayload{
		RoomId: "general", Content: "hello",
	})

	errs := eventsNamed(drainEvents(t, outsider), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindForbidden), errEvent.Kind)
}

func TestRoomMessageReplyPreview(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedRoom(t, p, "general", false, "u1", "u2")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")

	dispatch(t, h, sender, types.EventSendRoomMessage, types.RoomMessagePayload{RoomId: "general", Content: "first"})
	received := eventsNamed(drainEvents(t, receiver), types.EventReceiveRoomMessage)
	require.Len(t, received, 1)
	var first types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &first))
	drainEvents(t, sender)

	dispatch(t, h, receiver, types.EventSendRoomMessage, types.RoomMessagePayload{
		RoomId: "general", Content: "second", ReplyTo: first.Id,
	})
	received = eventsNamed(drainEvents(t, sender), types.EventReceiveRoomMessage)
	require.Len(t, received, 1)
	var second types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &second))
	require.NotNil(t, second.ReplyTo)
	assert.Equal(t, first.Id, second.ReplyTo.Id)
	assert.Equal(t, "first", second.ReplyTo.Content)
	assert.Equal(t, "u1", second.ReplyTo.Sender.Id)
}

// failingCreatePersister simulates transient storage trouble on message writes.
type failingCreatePersister struct {
	persistence.Persister
}

func (failingCreatePersister) CreateMessage(context.Context, *types.Message) error {
	return fmt.Errorf("disk full")
}

func TestRoomMessageNotFannedOutOnStorageFailure(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedRoom(t, p, "general", false, "u1", "u2")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")

	h.persister = failingCreatePersister{h.persister}
	dispatch(t, h, sender, types.EventSendRoomMessage, types.RoomMessagePayload{
		RoomId: "general", Content: "doomed",
	})

	// only the sender learns of the failure, nobody sees the message
	events := drainEvents(t, sender)
	assert.Empty(t, eventsNamed(events, types.EventReceiveRoomMessage))
	errs := eventsNamed(events, types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindStorage), errEvent.Kind)

	assert.Empty(t, eventsNamed(drainEvents(t, receiver), types.EventReceiveRoomMessage))
}

func TestDirectMessageNotFannedOutOnStorageFailure(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")

	h.persister = failingCreatePersister{h.persister}
	dispatch(t, h, sender, types.EventSendDirectMessage, types.DirectMessagePayload{
		RecipientId: "u2", Content: "doomed",
	})

	events := drainEvents(t, sender)
	assert.Empty(t, eventsNamed(events, types.EventReceiveDirectMessage))
	errs := eventsNamed(events, types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindStorage), errEvent.Kind)

	assert.Empty(t, eventsNamed(drainEvents(t, receiver), types.EventReceiveDirectMessage))
}

func TestRoomMessageReplyAcrossRoomsRejected(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedRoom(t, p, "alpha", false, "u1", "u2")
	seedRoom(t, p, "beta", false, "u1", "u2")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")

	dispatch(t, h, sender, types.EventSendRoomMessage, types.RoomMessagePayload{RoomId: "alpha", Content: "origin"})
	received := eventsNamed(drainEvents(t, receiver), types.EventReceiveRoomMessage)
	require.Len(t, received, 1)
	var origin types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &origin))
	drainEvents(t, sender)

	dispatch(t, h, sender, types.EventSendRoomMessage, types.RoomMessagePayload{
		RoomId: "beta", Content: "reply", ReplyTo: origin.Id,
	})

	errs := eventsNamed(drainEvents(t, sender), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindValidationFailed), errEvent.Kind)

	assert.Empty(t, eventsNamed(drainEvents(t, receiver), types.EventReceiveRoomMessage))
}

func TestDirectMessageReplyAcrossConversationsRejected(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedUser(t, p, "u3")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")
	bystander := authenticate(t, h, "u3")

	dispatch(t, h, sender, types.EventSendDirectMessage, types.DirectMessagePayload{RecipientId: "u2", Content: "origin"})
	received := eventsNamed(drainEvents(t, receiver), types.EventReceiveDirectMessage)
	require.Len(t, received, 1)
	var origin types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &origin))
	drainEvents(t, sender)

	dispatch(t, h, sender, types.EventSendDirectMessage, types.DirectMessagePayload{
		RecipientId: "u3", Content: "reply", ReplyTo: origin.Id,
	})

	errs := eventsNamed(drainEvents(t, sender), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindValidationFailed), errEvent.Kind)

	assert.Empty(t, eventsNamed(drainEvents(t, bystander), types.EventReceiveDirectMessage))
}

func TestGuestRoomMessageIsEphemeral(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	guest := h.Connect()
	dispatch(t, h, guest, types.EventJoinChat, types.JoinChatPayload{Username: "zed"})
	listener := h.Connect()
	dispatch(t, h, listener, types.EventJoinChat, types.JoinChatPayload{Username: "watcher"})

	dispatch(t, h, guest, types.EventJoinRoom, types.JoinRoomPayload{RoomId: "lobby"})
	dispatch(t, h, listener, types.EventJoinRoom, types.JoinRoomPayload{RoomId: "lobby"})
	drainEvents(t, guest)
	drainEvents(t, listener)

	dispatch(t, h, guest, types.EventSendRoomMessage, types.RoomMessagePayload{
		RoomId: "lobby", Content: "hi there",
	})

	received := eventsNamed(drainEvents(t, listener), types.EventReceiveRoomMessage)
	require.Len(t, received, 1)
	var resolved types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &resolved))
	assert.Empty(t, resolved.Id, "legacy messages are never persisted")
	assert.Equal(t, "hi there", resolved.Content)
	assert.Equal(t, "zed", resolved.Sender.Username)
}

func TestDirectMessageUnreadFlow(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	ctx := context.Background()

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")

	dispatch(t, h, sender, types.EventSendDirectMessage, types.DirectMessagePayload{
		RecipientId: "u2", Content: "psst",
	})

	received := eventsNamed(drainEvents(t, receiver), types.EventReceiveDirectMessage)
	require.Len(t, received, 1)
	var resolved types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &resolved))
	assert.Equal(t, "psst", resolved.Content)
	assert.NotEmpty(t, resolved.ConversationId)

	// the sender's own inbox gets a copy too
	assert.Len(t, eventsNamed(drainEvents(t, sender), types.EventReceiveDirectMessage), 1)

	conv := types.Conversation{Id: resolved.ConversationId}
	require.NoError(t, p.GetConversation(ctx, &conv))
	assert.Equal(t, int64(1), conv.Unread["u2"])
	assert.Equal(t, int64(0), conv.Unread["u1"])

	dispatch(t, h, receiver, types.EventMarkMessagesRead, types.MarkReadPayload{MessageIds: []string{resolved.Id}})
	acks := eventsNamed(drainEvents(t, receiver), types.EventMessagesMarkedRead)
	require.Len(t, acks, 1)

	conv = types.Conversation{Id: resolved.ConversationId}
	require.NoError(t, p.GetConversation(ctx, &conv))
	assert.Equal(t, int64(0), conv.Unread["u2"])

	stored := types.Message{Id: resolved.Id}
	require.NoError(t, p.GetMessage(ctx, &stored))
	assert.True(t, stored.ReadByUser("u2"))
}

func TestDirectMessageToSelfForbidden(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")

	session := authenticate(t, h, "u1")
	dispatch(t, h, session, types.EventSendDirectMessage, types.DirectMessagePayload{
		RecipientId: "u1", Content: "echo",
	})

	errs := eventsNamed(drainEvents(t, session), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindForbidden), errEvent.Kind)
}

func TestDirectMessageUnknownRecipient(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")

	session := authenticate(t, h, "u1")
	dispatch(t, h, session, types.EventSendDirectMessage, types.DirectMessagePayload{
		RecipientId: "ghost", Content: "anyone there",
	})

	errs := eventsNamed(drainEvents(t, session), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindNotFound), errEvent.Kind)
}

func TestReactionReplacePerUser(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedRoom(t, p, "general", false, "u1", "u2")

	sender := authenticate(t, h, "u1")
	reactor := authenticate(t, h, "u2")

	dispatch(t, h, sender, types.EventSendRoomMessage, types.RoomMessagePayload{RoomId: "general", Content: "react to me"})
	received := eventsNamed(drainEvents(t, sender), types.EventReceiveRoomMessage)
	require.Len(t, received, 1)
	var resolved types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &resolved))
	drainEvents(t, reactor)

	dispatch(t, h, reactor, types.EventAddReaction, types.ReactionPayload{MessageId: resolved.Id, Emoji: "👍"})
	dispatch(t, h, reactor, types.EventAddReaction, types.ReactionPayload{MessageId: resolved.Id, Emoji: "🎉"})

	updates := eventsNamed(drainEvents(t, sender), types.EventMessageReactionUpdated)
	require.Len(t, updates, 2)
	var update types.ReactionUpdateEvent
	require.NoError(t, json.Unmarshal(updates[1], &update))
	assert.Equal(t, resolved.Id, update.MessageId)
	require.Len(t, update.Reactions, 1)
	assert.Equal(t, "🎉", update.Reactions[0].Emoji)
	assert.Equal(t, "u2", update.Reactions[0].User.Id)
}

func TestReactionOutsideConversationForbidden(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedUser(t, p, "snoop")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")
	snoop := authenticate(t, h, "snoop")

	dispatch(t, h, sender, types.EventSendDirectMessage, types.DirectMessagePayload{RecipientId: "u2", Content: "secret"})
	received := eventsNamed(drainEvents(t, receiver), types.EventReceiveDirectMessage)
	require.Len(t, received, 1)
	var resolved types.ResolvedMessage
	require.NoError(t, json.Unmarshal(received[0], &resolved))

	dispatch(t, h, snoop, types.EventAddReaction, types.ReactionPayload{MessageId: resolved.Id, Emoji: "👀"})
	errs := eventsNamed(drainEvents(t, snoop), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindForbidden), errEvent.Kind)
}

func TestTypingRoomExcludesSender(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedRoom(t, p, "general", false, "u1", "u2")

	typist := authenticate(t, h, "u1")
	watcher := authenticate(t, h, "u2")

	dispatch(t, h, typist, types.EventTyping, types.TypingPayload{RoomId: "general", IsTyping: true})

	assert.Empty(t, eventsNamed(drainEvents(t, typist), types.EventUserTyping))
	typing := eventsNamed(drainEvents(t, watcher), types.EventUserTyping)
	require.Len(t, typing, 1)
	var event types.TypingEvent
	require.NoError(t, json.Unmarshal(typing[0], &event))
	assert.Equal(t, "u1", event.Username)
	assert.True(t, event.IsTyping)
	assert.Equal(t, "general", event.RoomId)
}

func TestTypingConversationGoesToOtherParticipant(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")

	typist := authenticate(t, h, "u1")
	other := authenticate(t, h, "u2")

	conv, err := p.FindOrCreateConversation(context.Background(), "u1", "u2")
	require.NoError(t, err)

	dispatch(t, h, typist, types.EventTyping, types.TypingPayload{ConversationId: conv.Id, IsTyping: true})

	typing := eventsNamed(drainEvents(t, other), types.EventUserTyping)
	require.Len(t, typing, 1)
	assert.Empty(t, eventsNamed(drainEvents(t, typist), types.EventUserTyping))
}

func TestDisconnectNotifiesFriendsOnce(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1", "u2")
	seedUser(t, p, "u2")
	ctx := context.Background()

	friend := authenticate(t, h, "u2")
	session := authenticate(t, h, "u1")

	// the login already produced one online notification
	online := eventsNamed(drainEvents(t, friend), types.EventFriendStatusChanged)
	require.Len(t, online, 1)

	h.Disconnect(ctx, session)

	offline := eventsNamed(drainEvents(t, friend), types.EventFriendStatusChanged)
	require.Len(t, offline, 1)
	var event types.FriendStatusEvent
	require.NoError(t, json.Unmarshal(offline[0], &event))
	assert.Equal(t, "u1", event.UserId)
	assert.Equal(t, types.UserStatusOffline, event.Status)

	stored := types.User{Id: "u1"}
	require.NoError(t, p.GetUser(ctx, &stored))
	assert.Equal(t, types.UserStatusOffline, stored.Status)

	// a second disconnect is a no-op
	h.Disconnect(ctx, session)
	assert.Empty(t, eventsNamed(drainEvents(t, friend), types.EventFriendStatusChanged))
}

func TestLegacyDisconnectBroadcastsDeparture(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	guest := h.Connect()
	dispatch(t, h, guest, types.EventJoinChat, types.JoinChatPayload{Username: "zed"})
	watcher := h.Connect()
	drainEvents(t, watcher)

	h.Disconnect(context.Background(), guest)

	events := drainEvents(t, watcher)
	left := eventsNamed(events, types.EventUserLeft)
	require.Len(t, left, 1)
	var presence types.LegacyPresenceEvent
	require.NoError(t, json.Unmarshal(left[0], &presence))
	assert.Equal(t, "zed", presence.Username)

	lists := eventsNamed(events, types.EventUsersList)
	require.Len(t, lists, 1)
	var roster []types.RosterEntry
	require.NoError(t, json.Unmarshal(lists[0], &roster))
	assert.Empty(t, roster)
}

func TestMessagesArriveInSendOrder(t *testing.T) {
	h, p := newTestHub(t, defaultHubConfig())
	seedUser(t, p, "u1")
	seedUser(t, p, "u2")
	seedRoom(t, p, "general", false, "u1", "u2")

	sender := authenticate(t, h, "u1")
	receiver := authenticate(t, h, "u2")

	const count = 10
	for i := 0; i < count; i++ {
		dispatch(t, h, sender, types.EventSendRoomMessage, types.RoomMessagePayload{
			RoomId: "general", Content: fmt.Sprintf("message %d", i),
		})
	}

	received := eventsNamed(drainEvents(t, receiver), types.EventReceiveRoomMessage)
	require.Len(t, received, count)
	for i, data := range received {
		var resolved types.ResolvedMessage
		require.NoError(t, json.Unmarshal(data, &resolved))
		assert.Equal(t, fmt.Sprintf("message %d", i), resolved.Content)
	}
}

func TestUnknownEventReportsValidation(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	session := h.Connect()
	h.Dispatch(context.Background(), session, []byte(`{"event":"warp_drive","data":{}}`))

	errs := eventsNamed(drainEvents(t, session), types.EventError)
	require.Len(t, errs, 1)
	var errEvent types.ErrorEvent
	require.NoError(t, json.Unmarshal(errs[0], &errEvent))
	assert.Equal(t, string(KindValidationFailed), errEvent.Kind)
}

func TestMalformedEnvelopeReportsValidation(t *testing.T) {
	h, _ := newTestHub(t, defaultHubConfig())

	session := h.Connect()
	h.Dispatch(context.Background(), session, []byte(`not json at all`))

	errs := eventsNamed(drainEvents(t, session), types.EventError)
	require.Len(t, errs, 1)
}
