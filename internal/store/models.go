package store

import (
	"strings"
	"time"
)

type User struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	AvatarURL string
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Tag struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TagMembers is the cohort view of a tag.
type TagMembers struct {
	TagID         string
	TagName       string
	MemberUserIDs []string
}

type Conversation struct {
	ID        string
	IsGroup   bool
	Name      string
	TagID     string
	Locked    bool
	CreatedAt time.Time
}

type Participant struct {
	ConversationID string
	UserID         string
	JoinedAt       time.Time
	User           User
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	Seq            int64
	Sender         User
}

// ConversationPreview is a conversation with its roster and at most one
// preview message.
type ConversationPreview struct {
	Conversation
	Participants  []Participant
	LatestMessage *Message
}

type Announcement struct {
	ID        string
	Title     string
	Body      string
	IsPinned  bool
	CreatedBy string
	CreatedAt time.Time
}
