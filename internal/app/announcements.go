package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"congregate/api/internal/notify"
	"congregate/api/internal/store"
	"congregate/api/internal/util"
)

// CreateAnnouncement stores an announcement and pushes it to every user with
// a registered device. Pinning it unpins the previous one.
func (s *Service) CreateAnnouncement(ctx context.Context, input CreateAnnouncementInput) (AnnouncementView, error) {
	title := strings.TrimSpace(input.Title)
	body := strings.TrimSpace(input.Body)
	if title == "" || body == "" {
		return AnnouncementView{}, validationError("Title and body are required", nil)
	}

	created, err := s.store.InsertAnnouncement(ctx, store.Announcement{
		ID:        util.NewID("ann"),
		Title:     title,
		Body:      body,
		IsPinned:  input.IsPinned,
		CreatedBy: strings.TrimSpace(input.CreatedBy),
	})
	if err != nil {
		return AnnouncementView{}, err
	}

	s.detach("announcement-fanout", func(ctx context.Context) {
		lookupCtx, cancel := s.lookupContext(ctx)
		recipients, err := s.store.UsersWithDeliveryToken(lookupCtx)
		cancel()
		if err != nil {
			s.logger.Warn("load announcement recipients", zap.String("announcement_id", created.ID), zap.Error(err))
			return
		}
		s.notifier.Notify(ctx, recipients, notify.Notification{
			Title:    created.Title,
			Body:     preview(created.Body, pushPreviewLength),
			Category: notify.CategoryAnnouncements,
			Data:     map[string]string{"announcementId": created.ID},
		})
	})
	return announcementView(created), nil
}
