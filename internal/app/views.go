package app

import (
	"time"

	"congregate/api/internal/store"
)

type UserView struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	FullName  string `json:"fullName"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type ParticipantView struct {
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	User     UserView  `json:"user"`
}

type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Sender         UserView  `json:"sender"`
}

type ConversationView struct {
	ID            string            `json:"id"`
	IsGroup       bool              `json:"isGroup"`
	Name          string            `json:"name,omitempty"`
	TagID         string            `json:"tagId,omitempty"`
	Locked        bool              `json:"isLocked"`
	CreatedAt     time.Time         `json:"createdAt"`
	Participants  []ParticipantView `json:"participants"`
	LatestMessage *MessageView      `json:"latestMessage,omitempty"`
}

type AnnouncementView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	IsPinned  bool      `json:"isPinned"`
	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func userView(u store.User) UserView {
	return UserView{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		FullName:  u.FullName(),
		AvatarURL: u.AvatarURL,
	}
}

func participantView(p store.Participant) ParticipantView {
	return ParticipantView{UserID: p.UserID, JoinedAt: p.JoinedAt, User: userView(p.User)}
}

func messageView(m store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Sender:         userView(m.Sender),
	}
}

func conversationView(preview store.ConversationPreview) ConversationView {
	view := ConversationView{
		ID:           preview.ID,
		IsGroup:      preview.IsGroup,
		Name:         preview.Name,
		TagID:        preview.TagID,
		Locked:       preview.Locked,
		CreatedAt:    preview.CreatedAt,
		Participants: make([]ParticipantView, 0, len(preview.Participants)),
	}
	for _, p := range preview.Participants {
		view.Participants = append(view.Participants, participantView(p))
	}
	if preview.LatestMessage != nil {
		latest := messageView(*preview.LatestMessage)
		view.LatestMessage = &latest
	}
	return view
}

func announcementView(a store.Announcement) AnnouncementView {
	return AnnouncementView{
		ID:        a.ID,
		Title:     a.Title,
		Body:      a.Body,
		IsPinned:  a.IsPinned,
		CreatedBy: a.CreatedBy,
		CreatedAt: a.CreatedAt,
	}
}
