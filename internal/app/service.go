package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"congregate/api/internal/config"
	"congregate/api/internal/directory"
	"congregate/api/internal/events"
	"congregate/api/internal/notify"
	"congregate/api/internal/realtime"
	"congregate/api/internal/store"
)

type CreateGroupInput struct {
	Name      string   `json:"name"`
	OwnerID   string   `json:"ownerId"`
	MemberIDs []string `json:"memberIds"`
	Locked    bool     `json:"locked"`
}

type SendMessageInput struct {
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

type DirectMessageInput struct {
	AdminID    string `json:"adminId"`
	TargetName string `json:"targetName"`
	Message    string `json:"message"`
}

type CreateAnnouncementInput struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	IsPinned  bool   `json:"isPinned"`
	CreatedBy string `json:"createdBy"`
}

const (
	eventPublishTimeout     = 5 * time.Second
	backgroundLookupTimeout = 10 * time.Second
)

type dataStore interface {
	Ping(context.Context) error
	SearchUsers(context.Context, string) ([]store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	GetUser(context.Context, string) (store.User, error)
	GetConversation(context.Context, string) (store.Conversation, error)
	GetConversationByTag(context.Context, string) (store.Conversation, error)
	CreateConversation(context.Context, store.Conversation, []string) (store.Conversation, error)
	ListConversationsForUser(context.Context, string) ([]store.Conversation, error)
	ListGroupConversations(context.Context) ([]store.Conversation, error)
	AddParticipant(context.Context, string, string) (store.Participant, bool, error)
	RemoveParticipant(context.Context, string, string) (bool, error)
	ListParticipants(context.Context, []string) (map[string][]store.Participant, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	LatestMessages(context.Context, []string) (map[string]store.Message, error)
	DeleteMessage(context.Context, string) (store.Message, error)
	GetTagMembers(context.Context, string) (store.TagMembers, error)
	AssignUserToTag(context.Context, string, string) error
	SetDeliveryToken(context.Context, string, string) error
	UsersWithDeliveryToken(context.Context) ([]string, error)
	NotificationRules(context.Context) (map[string]bool, error)
	SetNotificationRules(context.Context, map[string]bool) error
	MergeUserNotificationSettings(context.Context, string, map[string]bool) (map[string]bool, error)
	InsertAnnouncement(context.Context, store.Announcement) (store.Announcement, error)
}

type notifier interface {
	Notify(context.Context, []string, notify.Notification) map[string]notify.Outcome
}

// Collaborators are the optional moving parts around the store. Nil fields
// fall back to in-process defaults.
type Collaborators struct {
	Directory *directory.Resolver
	Rooms     realtime.Publisher
	Notifier  notifier
	Events    events.Publisher
	Logger    *zap.Logger
}

type Service struct {
	cfg        config.Config
	store      dataStore
	directory  *directory.Resolver
	rooms      realtime.Publisher
	sequencers *realtime.Sequencers
	notifier   notifier
	events     *events.Queue
	logger     *zap.Logger

	// background side effects of writes; drained on shutdown
	background sync.WaitGroup
	bgCtx      context.Context
	bgCancel   context.CancelFunc
}

func New(cfg config.Config, dataStore *store.PostgresStore, collaborators Collaborators) *Service {
	return newService(cfg, dataStore, collaborators)
}

func newService(cfg config.Config, dataStore dataStore, c Collaborators) *Service {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Directory == nil {
		c.Directory = directory.NewResolver(dataStore, nil, c.Logger)
	}
	if c.Rooms == nil {
		c.Rooms = discardRooms{}
	}
	if c.Notifier == nil {
		c.Notifier = discardNotifier{}
	}
	if c.Events == nil {
		c.Events = events.Noop{}
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		directory:  c.Directory,
		rooms:      c.Rooms,
		sequencers: realtime.NewSequencers(),
		notifier:   c.Notifier,
		events:     events.NewQueue(c.Events, 0, eventPublishTimeout, c.Logger),
		logger:     c.Logger.Named("app"),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until detached side effects (pushes, domain events) finish.
func (s *Service) Wait() {
	s.background.Wait()
	s.events.Wait()
}

// Shutdown waits for detached work like Wait. If ctx ends first the
// remaining work is cancelled and ctx's error returned.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.bgCancel()
	}
	s.events.Close()
	<-done
	s.bgCancel()
	return err
}

// detach runs fn after the triggering request has returned. fn gets no
// shared deadline: push delivery bounds each recipient on its own, and
// lookups inside fn take lookupContext.
func (s *Service) detach(name string, fn func(context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("background task panicked", zap.String("task", name), zap.Any("panic", rec))
			}
		}()
		fn(s.bgCtx)
	}()
}

func (s *Service) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, backgroundLookupTimeout)
}

func (s *Service) SearchUsers(ctx context.Context, fragment string) ([]directory.Candidate, error) {
	users, err := s.directory.Search(ctx, fragment)
	if errors.Is(err, directory.ErrEmptyQuery) {
		return nil, validationError("Search query is required", nil)
	}
	return users, err
}

func (s *Service) GetUser(ctx context.Context, userID string) (UserView, error) {
	u, err := s.store.GetUser(ctx, strings.TrimSpace(userID))
	if errors.Is(err, store.ErrNotFound) {
		return UserView{}, notFound("User not found")
	}
	if err != nil {
		return UserView{}, err
	}
	return userView(u), nil
}

type discardRooms struct{}

func (discardRooms) Publish(string, []byte) {}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, []string, notify.Notification) map[string]notify.Outcome {
	return nil
}
