package app

import (
	"context"
	"errors"
	"sort"
	"strings"

	"congregate/api/internal/notify"
	"congregate/api/internal/store"
)

// RegisterDeliveryToken stores the user's Expo push token.
func (s *Service) RegisterDeliveryToken(ctx context.Context, userID, token string) error {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)
	if userID == "" {
		return validationError("User id is required", nil)
	}
	if !notify.ValidToken(token) {
		return validationError("Invalid Expo push token", nil)
	}
	err := s.store.SetDeliveryToken(ctx, userID, token)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("User not found")
	}
	return err
}

// UpdateNotificationPreferences merges the given category choices into the
// user's saved settings and returns the result.
func (s *Service) UpdateNotificationPreferences(ctx context.Context, userID string, settings map[string]bool) (map[string]bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, validationError("User id is required", nil)
	}
	if err := checkCategories(settings); err != nil {
		return nil, err
	}

	merged, err := s.store.MergeUserNotificationSettings(ctx, userID, settings)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	if merged == nil {
		merged = map[string]bool{}
	}
	return merged, nil
}

// UpdateNotificationRules replaces the admin rule set. A true rule forces
// delivery for its category regardless of user settings.
func (s *Service) UpdateNotificationRules(ctx context.Context, rules map[string]bool) (map[string]bool, error) {
	if err := checkCategories(rules); err != nil {
		return nil, err
	}
	if rules == nil {
		rules = map[string]bool{}
	}
	if err := s.store.SetNotificationRules(ctx, rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Service) NotificationRules(ctx context.Context) (map[string]bool, error) {
	rules, err := s.store.NotificationRules(ctx)
	if err != nil {
		return nil, err
	}
	if rules == nil {
		rules = map[string]bool{}
	}
	return rules, nil
}

func checkCategories(values map[string]bool) error {
	var unknown []string
	for key := range values {
		if !notify.Category(key).Valid() {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return validationError("Unknown notification category", map[string]any{"categories": unknown})
}
