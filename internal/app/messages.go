package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"congregate/api/internal/events"
	"congregate/api/internal/notify"
	"congregate/api/internal/realtime"
	"congregate/api/internal/store"
	"congregate/api/internal/util"
)

const pushPreviewLength = 140

// SendMessage persists a message and returns it with the sender's display
// fields. The room broadcast and the domain event are released in
// persistence order; pushes to the other participants happen after the call
// returns.
func (s *Service) SendMessage(ctx context.Context, conversationID string, input SendMessageInput) (MessageView, error) {
	conversationID = strings.TrimSpace(conversationID)
	senderID := strings.TrimSpace(input.SenderID)
	if conversationID == "" || senderID == "" {
		return MessageView{}, validationError("Conversation id and sender id are required", nil)
	}
	if strings.TrimSpace(input.Content) == "" {
		return MessageView{}, validationError("Message content is required", nil)
	}

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MessageView{}, notFound("Conversation not found")
		}
		return MessageView{}, err
	}

	ticket := s.sequencers.Reserve(conversationID)
	msg, err := s.store.InsertMessage(ctx, store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        input.Content,
		CreatedAt:      ticket.At,
	})
	if err != nil {
		s.sequencers.Complete(ticket, nil)
		if errors.Is(err, store.ErrNotFound) {
			return MessageView{}, notFound("Sender not found")
		}
		return MessageView{}, err
	}

	view := messageView(msg)
	s.sequencers.Complete(ticket, s.emitter(conversationID, realtime.EventNewMessage, view, events.Event{
		Type:           events.TypeMessageCreated,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		OccurredAt:     msg.CreatedAt,
	}))

	s.detach("message-notify", func(ctx context.Context) {
		s.notifyParticipants(ctx, msg)
	})
	return view, nil
}

// emitter returns the ordered side effects of one write: the room frame and
// the domain event. Run inside the sequencer, both leave in persistence order.
func (s *Service) emitter(room, event string, data any, domainEvent events.Event) func() {
	frame, err := realtime.Encode(event, data)
	if err != nil {
		s.logger.Error("encode realtime frame", zap.String("event", event), zap.Error(err))
	}
	return func() {
		if frame != nil {
			s.rooms.Publish(room, frame)
		}
		s.events.Enqueue(domainEvent)
	}
}

// notifyParticipants pushes msg to everyone in the conversation except the
// sender.
func (s *Service) notifyParticipants(ctx context.Context, msg store.Message) {
	lookupCtx, cancel := s.lookupContext(ctx)
	rosters, err := s.store.ListParticipants(lookupCtx, []string{msg.ConversationID})
	cancel()
	if err != nil {
		s.logger.Warn("load recipients", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return
	}
	recipients := make([]string, 0, len(rosters[msg.ConversationID]))
	for _, p := range rosters[msg.ConversationID] {
		if p.UserID != msg.SenderID {
			recipients = append(recipients, p.UserID)
		}
	}
	if len(recipients) == 0 {
		return
	}

	title := msg.Sender.FullName()
	if title == "" {
		title = "New message"
	}
	outcomes := s.notifier.Notify(ctx, recipients, notify.Notification{
		Title:    title,
		Body:     preview(msg.Content, pushPreviewLength),
		Category: notify.CategoryChat,
		Data:     map[string]string{"conversationId": msg.ConversationID, "messageId": msg.ID},
	})
	s.logger.Debug("message notifications dispatched", zap.String("message_id", msg.ID), zap.Int("recipients", len(outcomes)))
}

func preview(content string, limit int) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit-1]) + "…"
}

// ListMessages returns a conversation's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]MessageView, error) {
	conversationID = strings.TrimSpace(conversationID)
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("Conversation not found")
		}
		return nil, err
	}
	items, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(items))
	for _, m := range items {
		out = append(out, messageView(m))
	}
	return out, nil
}

type DeletedMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

// DeleteMessage removes a message for moderation and tells the room.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) (DeletedMessage, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return DeletedMessage{}, validationError("Message id is required", nil)
	}
	msg, err := s.store.DeleteMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return DeletedMessage{}, notFound("Message not found")
	}
	if err != nil {
		return DeletedMessage{}, err
	}

	deleted := DeletedMessage{ID: msg.ID, ConversationID: msg.ConversationID}
	ticket := s.sequencers.Reserve(msg.ConversationID)
	s.sequencers.Complete(ticket, s.emitter(msg.ConversationID, realtime.EventMessageDeleted, deleted, events.Event{
		Type:           events.TypeMessageDeleted,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
	}))
	return deleted, nil
}
