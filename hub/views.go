package hub

import (
	"context"

	"github.com/parley-chat/parley/types"
)

const deletedPlaceholder = "This message was deleted"

// senderRef resolves a user's display fields, LRU-cached: fan-out of a busy
// room would otherwise hit the gateway once per message for the same sender.
func (h *Hub) senderRef(ctx context.Context, userId string) types.UserRef {
	if cached, ok := h.senderCache.Get(userId); ok {
		return cached.(types.UserRef)
	}
	user := types.User{Id: userId}
	if err := h.persister.GetUser(ctx, &user); err != nil {
		// deliver with a bare reference rather than dropping the event
		return types.UserRef{Id: userId}
	}
	ref := user.Ref()
	h.senderCache.Add(userId, ref)
	return ref
}

// resolveMessage builds the outbound view of a freshly persisted message.
// The reply preview is attached by the caller, which already validated it.
func (h *Hub) resolveMessage(message *types.Message, sender types.UserRef) *types.ResolvedMessage {
	resolved := &types.ResolvedMessage{
		Id:             message.Id,
		Content:        message.Content,
		Sender:         sender,
		RoomId:         message.RoomId,
		ConversationId: message.ConversationId,
		File:           message.File.Descriptor(),
		Timestamp:      message.CreatedAt,
	}
	if message.IsDeleted {
		resolved.IsDeleted = true
		resolved.Content = deletedPlaceholder
		resolved.File = nil
	}
	return resolved
}

// replyPreview is the resolved excerpt of a replied-to message.
func (h *Hub) replyPreview(ctx context.Context, replied *types.Message) *types.ReplyPreview {
	preview := &types.ReplyPreview{
		Id:      replied.Id,
		Content: replied.Content,
		Sender:  h.senderRef(ctx, replied.SenderId),
	}
	if replied.IsDeleted {
		preview.Content = deletedPlaceholder
	}
	return preview
}

func (h *Hub) reactionViews(ctx context.Context, reactions types.JSONReactions) []types.ReactionView {
	views := make([]types.ReactionView, 0, len(reactions))
	for _, reaction := range reactions {
		views = append(views, types.ReactionView{
			Emoji: reaction.Emoji,
			User:  h.senderRef(ctx, reaction.UserId),
		})
	}
	return views
}
