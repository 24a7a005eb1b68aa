package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"congregate/api/internal/store"
)

// memStore is an in-memory dataStore enforcing the same uniqueness and
// reference rules as the Postgres schema.
type memStore struct {
	mu sync.Mutex

	pingErr error

	users        map[string]store.User
	tags         map[string]string
	tagMembers   map[string][]string
	convs        map[string]store.Conversation
	participants map[string][]store.Participant
	messages     []store.Message
	seq          int64

	tokens        map[string]string
	rules         map[string]bool
	settings      map[string]map[string]bool
	announcements []store.Announcement

	// beforeCreate runs before a conversation insert, outside the lock.
	beforeCreate func()
	clock        time.Time
}

func newMemStore(users ...store.User) *memStore {
	m := &memStore{
		users:        make(map[string]store.User),
		tags:         make(map[string]string),
		tagMembers:   make(map[string][]string),
		convs:        make(map[string]store.Conversation),
		participants: make(map[string][]store.Participant),
		tokens:       make(map[string]string),
		settings:     make(map[string]map[string]bool),
		clock:        time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) SearchUsers(_ context.Context, fragment string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	needle := strings.ToLower(fragment)
	var out []store.User
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.FullName()), needle) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListUsers(context.Context) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) GetUser(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetConversationByTag(_ context.Context, tagID string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.TagID == tagID {
			return c, nil
		}
	}
	return store.Conversation{}, store.ErrNotFound
}

func (m *memStore) CreateConversation(_ context.Context, conv store.Conversation, participantIDs []string) (store.Conversation, error) {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conv.ID]; ok {
		return store.Conversation{}, store.ErrConflict
	}
	if conv.TagID != "" {
		for _, c := range m.convs {
			if c.TagID == conv.TagID {
				return store.Conversation{}, store.ErrConflict
			}
		}
	}
	for _, id := range participantIDs {
		if _, ok := m.users[id]; !ok {
			return store.Conversation{}, store.ErrNotFound
		}
	}
	conv.CreatedAt = m.tick()
	m.convs[conv.ID] = conv
	for _, id := range participantIDs {
		m.addLocked(conv.ID, id)
	}
	return conv, nil
}

func (m *memStore) ListConversationsForUser(_ context.Context, userID string) ([]store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Conversation
	for id, c := range m.convs {
		for _, p := range m.participants[id] {
			if p.UserID == userID {
				out = append(out, c)
				break
			}
		}
	}
	sortNewest(out)
	return out, nil
}

func (m *memStore) ListGroupConversations(context.Context) ([]store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Conversation
	for _, c := range m.convs {
		if c.IsGroup {
			out = append(out, c)
		}
	}
	sortNewest(out)
	return out, nil
}

func sortNewest(items []store.Conversation) {
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
}

func (m *memStore) addLocked(conversationID, userID string) (store.Participant, bool) {
	for _, p := range m.participants[conversationID] {
		if p.UserID == userID {
			return p, false
		}
	}
	p := store.Participant{ConversationID: conversationID, UserID: userID, JoinedAt: m.tick(), User: m.users[userID]}
	m.participants[conversationID] = append(m.participants[conversationID], p)
	return p, true
}

func (m *memStore) AddParticipant(_ context.Context, conversationID, userID string) (store.Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conversationID]; !ok {
		return store.Participant{}, false, store.ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return store.Participant{}, false, store.ErrNotFound
	}
	p, created := m.addLocked(conversationID, userID)
	return p, created, nil
}

func (m *memStore) RemoveParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster := m.participants[conversationID]
	for i, p := range roster {
		if p.UserID == userID {
			m.participants[conversationID] = append(roster[:i:i], roster[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListParticipants(_ context.Context, ids []string) (map[string][]store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]store.Participant, len(ids))
	for _, id := range ids {
		out[id] = append([]store.Participant(nil), m.participants[id]...)
	}
	return out, nil
}

func (m *memStore) InsertMessage(_ context.Context, msg store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[msg.ConversationID]; !ok {
		return store.Message{}, store.ErrNotFound
	}
	sender, ok := m.users[msg.SenderID]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.tick()
	}
	m.seq++
	msg.Seq = m.seq
	msg.Sender = sender
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *memStore) ListMessages(_ context.Context, conversationID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *memStore) LatestMessages(ctx context.Context, ids []string) (map[string]store.Message, error) {
	out := make(map[string]store.Message)
	for _, id := range ids {
		items, _ := m.ListMessages(ctx, id)
		if len(items) > 0 {
			out[id] = items[len(items)-1]
		}
	}
	return out, nil
}

func (m *memStore) DeleteMessage(_ context.Context, id string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.ID == id {
			m.messages = append(m.messages[:i:i], m.messages[i+1:]...)
			return msg, nil
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (m *memStore) GetTagMembers(_ context.Context, tagID string) (store.TagMembers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.tags[tagID]
	if !ok {
		return store.TagMembers{}, store.ErrNotFound
	}
	return store.TagMembers{TagID: tagID, TagName: name, MemberUserIDs: append([]string{}, m.tagMembers[tagID]...)}, nil
}

func (m *memStore) AssignUserToTag(_ context.Context, tagID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[tagID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return store.ErrNotFound
	}
	for _, id := range m.tagMembers[tagID] {
		if id == userID {
			return nil
		}
	}
	m.tagMembers[tagID] = append(m.tagMembers[tagID], userID)
	return nil
}

func (m *memStore) SetDeliveryToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return store.ErrNotFound
	}
	m.tokens[userID] = token
	return nil
}

func (m *memStore) UsersWithDeliveryToken(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) NotificationRules(context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules, nil
}

func (m *memStore) SetNotificationRules(_ context.Context, rules map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
	return nil
}

func (m *memStore) UserNotificationSettings(_ context.Context, userID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[userID], nil
}

func (m *memStore) MergeUserNotificationSettings(_ context.Context, userID string, settings map[string]bool) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return nil, store.ErrNotFound
	}
	merged := make(map[string]bool, len(m.settings[userID])+len(settings))
	for k, v := range m.settings[userID] {
		merged[k] = v
	}
	for k, v := range settings {
		merged[k] = v
	}
	m.settings[userID] = merged
	out := make(map[string]bool, len(merged))
	for k, v := range merged {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) DeliveryToken(_ context.Context, userID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[userID]
	return token, ok, nil
}

func (m *memStore) InsertAnnouncement(_ context.Context, item store.Announcement) (store.Announcement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.IsPinned {
		for i := range m.announcements {
			m.announcements[i].IsPinned = false
		}
	}
	item.CreatedAt = m.tick()
	m.announcements = append(m.announcements, item)
	return item, nil
}
