// Package hub is the realtime messaging core: it validates client events
// against membership and authorization rules, persists through the gateway,
// and fans events out to the session registry's recipient sets.
package hub

import (
	"context"
	"encoding/json"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mitchellh/mapstructure"
	"github.com/parley-chat/parley/auth"
	"github.com/parley-chat/parley/config"
	"github.com/parley-chat/parley/conversation"
	"github.com/parley-chat/parley/globals"
	"github.com/parley-chat/parley/persistence"
	"github.com/parley-chat/parley/registry"
	"github.com/parley-chat/parley/types"
)

// Hub is constructed once at startup and handed to every connection task.
type Hub struct {
	cfg           config.HubConfig
	registry      *registry.Registry
	persister     persistence.Persister
	verifier      auth.Verifier
	conversations *conversation.Resolver
	senderCache   *lru.Cache
}

func NewHub(cfg config.HubConfig, reg *registry.Registry, persister persistence.Persister, verifier auth.Verifier) (*Hub, error) {
	cacheSize := cfg.SenderCacheSize
	if cacheSize <= 0 {
		cacheSize = 512
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Hub{
		cfg:           cfg,
		registry:      reg,
		persister:     persister,
		verifier:      verifier,
		conversations: conversation.NewResolver(persister),
		senderCache:   cache,
	}, nil
}

func (h *Hub) Registry() *registry.Registry { return h.registry }

// Connect creates a fresh unauthenticated session.
func (h *Hub) Connect() *registry.Session {
	return h.registry.Register()
}

// Dispatch handles one inbound wire message for a session. It is called from
// the connection's read loop, so events of one sender are processed in send
// order. All failures are reported only to the originating session.
func (h *Hub) Dispatch(ctx context.Context, session *registry.Session, raw []byte) {
	message := types.WebsocketMessage{}
	if err := json.Unmarshal(raw, &message); err != nil {
		globals.AppLogger.Debug("could not unmarshal ws message", "session", session.Id, "error", err)
		h.sendError(session, errValidation("malformed message envelope"))
		return
	}

	var hubErr *Error
	switch message.Event {
	case types.EventAuthenticate:
		payload := types.AuthenticatePayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleAuthenticate(ctx, session, payload)
		}
		if hubErr != nil {
			// the authenticate flow reports through its own event and the
			// session stays connected, unauthenticated
			h.sendTo(session, types.EventAuthError, types.AuthErrorEvent{Message: hubErr.Message})
			return
		}

	case types.EventJoinChat:
		payload := types.JoinChatPayload{}
		// historic clients send the bare username string instead of an object
		var name string
		if err := json.Unmarshal(message.Data, &name); err == nil {
			payload.Username = name
		} else if hubErr = decodePayload(message.Data, &payload); hubErr != nil {
			break
		}
		hubErr = h.handleJoinChat(session, payload)

	case types.EventJoinRoom:
		payload := types.JoinRoomPayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleJoinRoom(ctx, session, payload)
		}

	case types.EventLeaveRoom:
		payload := types.JoinRoomPayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleLeaveRoom(session, payload)
		}

	case types.EventSendRoomMessage:
		payload := types.RoomMessagePayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleRoomMessage(ctx, session, payload)
		}

	case types.EventSendDirectMessage:
		payload := types.DirectMessagePayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleDirectMessage(ctx, session, payload)
		}

	case types.EventMarkMessagesRead:
		payload := types.MarkReadPayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleMarkRead(ctx, session, payload)
		}

	case types.EventAddReaction:
		payload := types.ReactionPayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleAddReaction(ctx, session, payload)
		}

	case types.EventTyping:
		payload := types.TypingPayload{}
		if hubErr = decodePayload(message.Data, &payload); hubErr == nil {
			hubErr = h.handleTyping(ctx, session, payload)
		}

	default:
		hubErr = errValidation("unknown event: " + message.Event)
	}

	if hubErr != nil {
		h.sendError(session, hubErr)
	}
}

// decodePayload weak-decodes the envelope data into a typed payload.
func decodePayload(data json.RawMessage, out interface{}) *Error {
	payloadMap := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payloadMap); err != nil {
			return errValidation("malformed event payload")
		}
	}
	if err := mapstructure.WeakDecode(payloadMap, out); err != nil {
		return errValidation("malformed event payload")
	}
	return nil
}

// sendTo delivers one event to a single session.
func (h *Hub) sendTo(session *registry.Session, event string, payload interface{}) {
	data, err := types.Encode(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal outbound event", "event", event, "error", err)
		return
	}
	session.TrySend(data)
}

func (h *Hub) sendError(session *registry.Session, hubErr *Error) {
	h.sendTo(session, types.EventError, types.ErrorEvent{Kind: string(hubErr.Kind), Message: hubErr.Message})
}

// broadcast marshals once and enqueues to every current subscriber of the
// channel, skipping the excluded sessions. Enqueueing never blocks; a session
// that cannot keep up is disconnected by its own queue.
func (h *Hub) broadcast(channel types.Channel, event string, payload interface{}, exclude ...string) {
	data, err := types.Encode(event, payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal broadcast event", "event", event, "error", err)
		return
	}
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	for _, recipient := range h.registry.RecipientsOf(channel) {
		if _, ok := skip[recipient.Id]; ok {
			continue
		}
		recipient.TrySend(data)
	}
}
