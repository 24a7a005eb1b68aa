package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"congregate/api/internal/store"
	"congregate/api/internal/util"
)

// FindOrCreateDirect returns the one direct conversation between two users,
// creating it on first contact. Concurrent callers converge on the same row
// and every call repairs a missing participant link.
func (s *Service) FindOrCreateDirect(ctx context.Context, userA, userB string) (ConversationView, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return ConversationView{}, validationError("Both user ids are required", nil)
	}
	if userA == userB {
		return ConversationView{}, validationError("A direct conversation needs two different users", nil)
	}

	id := store.DirectConversationID(userA, userB)
	conv, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		conv, err = s.store.CreateConversation(ctx, store.Conversation{ID: id}, []string{userA, userB})
		if errors.Is(err, store.ErrConflict) {
			s.logger.Debug("direct conversation created concurrently")
			conv, err = s.store.GetConversation(ctx, id)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return ConversationView{}, notFound("User not found")
	}
	if err != nil {
		return ConversationView{}, err
	}

	if err := s.ensureParticipants(ctx, conv.ID, []string{userA, userB}); err != nil {
		return ConversationView{}, err
	}
	return s.conversation(ctx, conv)
}

func (s *Service) ensureParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	rosters, err := s.store.ListParticipants(ctx, []string{conversationID})
	if err != nil {
		return err
	}
	linked := make(map[string]struct{}, len(rosters[conversationID]))
	for _, p := range rosters[conversationID] {
		linked[p.UserID] = struct{}{}
	}
	for _, userID := range userIDs {
		if _, ok := linked[userID]; ok {
			continue
		}
		if _, _, err := s.store.AddParticipant(ctx, conversationID, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound("User not found")
			}
			return fmt.Errorf("heal participant %s: %w", userID, err)
		}
	}
	return nil
}

func (s *Service) CreateGroup(ctx context.Context, input CreateGroupInput) (ConversationView, error) {
	name := strings.TrimSpace(input.Name)
	ownerID := strings.TrimSpace(input.OwnerID)
	if name == "" {
		return ConversationView{}, validationError("Group name is required", nil)
	}
	if ownerID == "" {
		return ConversationView{}, validationError("Owner id is required", nil)
	}

	members := dedupeIDs(append([]string{ownerID}, input.MemberIDs...))
	conv, err := s.store.CreateConversation(ctx, store.Conversation{
		ID:      util.NewID("conv"),
		IsGroup: true,
		Name:    name,
		Locked:  input.Locked,
	}, members)
	if errors.Is(err, store.ErrNotFound) {
		return ConversationView{}, notFound("User not found")
	}
	if err != nil {
		return ConversationView{}, err
	}
	return s.conversation(ctx, conv)
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Service) GetConversation(ctx context.Context, conversationID string) (ConversationView, error) {
	conv, err := s.store.GetConversation(ctx, strings.TrimSpace(conversationID))
	if errors.Is(err, store.ErrNotFound) {
		return ConversationView{}, notFound("Conversation not found")
	}
	if err != nil {
		return ConversationView{}, err
	}
	return s.conversation(ctx, conv)
}

// ListForUser returns the user's conversations, newest first, each with its
// roster and latest message.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]ConversationView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validationError("User id is required", nil)
	}
	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.previews(ctx, convs)
}

// ListGroups is the moderation view over every group conversation.
func (s *Service) ListGroups(ctx context.Context) ([]ConversationView, error) {
	convs, err := s.store.ListGroupConversations(ctx)
	if err != nil {
		return nil, err
	}
	return s.previews(ctx, convs)
}

func (s *Service) conversation(ctx context.Context, conv store.Conversation) (ConversationView, error) {
	views, err := s.previews(ctx, []store.Conversation{conv})
	if err != nil {
		return ConversationView{}, err
	}
	return views[0], nil
}

func (s *Service) previews(ctx context.Context, convs []store.Conversation) ([]ConversationView, error) {
	out := make([]ConversationView, 0, len(convs))
	if len(convs) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	rosters, err := s.store.ListParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		preview := store.ConversationPreview{Conversation: c, Participants: rosters[c.ID]}
		if m, ok := latest[c.ID]; ok {
			preview.LatestMessage = &m
		}
		out = append(out, conversationView(preview))
	}
	return out, nil
}

// AddParticipant links a user to a conversation. Adding an existing member
// returns the existing row with created=false.
func (s *Service) AddParticipant(ctx context.Context, conversationID, userID string) (ParticipantView, bool, error) {
	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	if conversationID == "" || userID == "" {
		return ParticipantView{}, false, validationError("Conversation id and user id are required", nil)
	}
	p, created, err := s.store.AddParticipant(ctx, conversationID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ParticipantView{}, false, notFound("Conversation or user not found")
	}
	if err != nil {
		return ParticipantView{}, false, err
	}
	return participantView(p), created, nil
}

func (s *Service) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	removed, err := s.store.RemoveParticipant(ctx, strings.TrimSpace(conversationID), strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	if !removed {
		return notFound("Participant not found")
	}
	return nil
}

type TagSyncResult struct {
	Conversation ConversationView `json:"conversation"`
	Added        []string         `json:"added"`
}

// SyncTagGroup makes the tag's official group contain every tag member.
// The group is created on first sync with the initiator as its only member.
// Repeated or concurrent syncs are safe.
func (s *Service) SyncTagGroup(ctx context.Context, tagID, initiatorID string) (TagSyncResult, error) {
	tagID = strings.TrimSpace(tagID)
	initiatorID = strings.TrimSpace(initiatorID)
	if tagID == "" || initiatorID == "" {
		return TagSyncResult{}, validationError("Tag id and initiator id are required", nil)
	}

	tag, err := s.store.GetTagMembers(ctx, tagID)
	if errors.Is(err, store.ErrNotFound) {
		return TagSyncResult{}, notFound("Tag not found")
	}
	if err != nil {
		return TagSyncResult{}, err
	}

	conv, err := s.store.GetConversationByTag(ctx, tagID)
	if errors.Is(err, store.ErrNotFound) {
		conv, err = s.store.CreateConversation(ctx, store.Conversation{
			ID:      util.NewID("conv"),
			IsGroup: true,
			Name:    tag.TagName + " Official",
			TagID:   tagID,
		}, []string{initiatorID})
		if errors.Is(err, store.ErrConflict) {
			conv, err = s.store.GetConversationByTag(ctx, tagID)
		} else if errors.Is(err, store.ErrNotFound) {
			return TagSyncResult{}, notFound("User not found")
		}
	}
	if err != nil {
		return TagSyncResult{}, err
	}

	rosters, err := s.store.ListParticipants(ctx, []string{conv.ID})
	if err != nil {
		return TagSyncResult{}, err
	}
	linked := make(map[string]struct{}, len(rosters[conv.ID]))
	for _, p := range rosters[conv.ID] {
		linked[p.UserID] = struct{}{}
	}

	added := make([]string, 0)
	for _, memberID := range tag.MemberUserIDs {
		if _, ok := linked[memberID]; ok {
			continue
		}
		_, created, err := s.store.AddParticipant(ctx, conv.ID, memberID)
		if err != nil {
			return TagSyncResult{}, fmt.Errorf("add tag member %s: %w", memberID, err)
		}
		if created {
			added = append(added, memberID)
		}
	}

	view, err := s.conversation(ctx, conv)
	if err != nil {
		return TagSyncResult{}, err
	}
	return TagSyncResult{Conversation: view, Added: added}, nil
}

func (s *Service) AssignUserToTag(ctx context.Context, tagID, userID string) error {
	tagID = strings.TrimSpace(tagID)
	userID = strings.TrimSpace(userID)
	if tagID == "" || userID == "" {
		return validationError("Tag id and user id are required", nil)
	}
	err := s.store.AssignUserToTag(ctx, tagID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("Tag or user not found")
	}
	return err
}
