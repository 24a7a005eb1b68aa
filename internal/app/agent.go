package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"congregate/api/internal/directory"
)

type DirectMessageResult struct {
	Recipient      directory.Candidate `json:"recipient"`
	ConversationID string              `json:"conversationId"`
	Message        MessageView         `json:"message"`
}

// SendDirectMessageByName lets an admin message someone by name. The name
// must resolve to exactly one user; otherwise the caller gets the
// candidates (or near misses) back and nothing is sent.
func (s *Service) SendDirectMessageByName(ctx context.Context, input DirectMessageInput) (DirectMessageResult, error) {
	adminID := strings.TrimSpace(input.AdminID)
	targetName := strings.TrimSpace(input.TargetName)
	if adminID == "" || targetName == "" {
		return DirectMessageResult{}, validationError("Admin id and target name are required", nil)
	}
	if strings.TrimSpace(input.Message) == "" {
		return DirectMessageResult{}, validationError("Message content is required", nil)
	}

	target, err := s.directory.Resolve(ctx, targetName)
	if err != nil {
		return DirectMessageResult{}, recipientError(err)
	}

	conv, err := s.FindOrCreateDirect(ctx, adminID, target.ID)
	if err != nil {
		return DirectMessageResult{}, err
	}
	msg, err := s.SendMessage(ctx, conv.ID, SendMessageInput{SenderID: adminID, Content: input.Message})
	if err != nil {
		return DirectMessageResult{}, err
	}

	s.logger.Info("agent direct message sent",
		zap.String("admin_id", adminID),
		zap.String("recipient_id", target.ID),
		zap.String("conversation_id", conv.ID),
	)
	return DirectMessageResult{Recipient: target, ConversationID: conv.ID, Message: msg}, nil
}

func recipientError(err error) error {
	var ambiguous *directory.AmbiguousError
	if errors.As(err, &ambiguous) {
		return domainError(http.StatusConflict, "AMBIGUOUS_RECIPIENT",
			"More than one user matches \""+ambiguous.Fragment+"\"",
			map[string]any{"candidates": ambiguous.Candidates})
	}
	var noMatch *directory.NoMatchError
	if errors.As(err, &noMatch) {
		suggestions := noMatch.Suggestions
		if suggestions == nil {
			suggestions = []directory.Candidate{}
		}
		return validationError("No user matches \""+noMatch.Fragment+"\"", map[string]any{"suggestions": suggestions})
	}
	if errors.Is(err, directory.ErrEmptyQuery) {
		return validationError("Target name is required", nil)
	}
	return err
}
