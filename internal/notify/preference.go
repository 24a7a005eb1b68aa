// Package notify decides which users receive a push for an event and
// delivers it to their registered device.
package notify

type Category string

const (
	CategoryChat          Category = "chat"
	CategorySermons       Category = "sermons"
	CategoryAnnouncements Category = "announcements"
)

var knownCategories = map[Category]struct{}{
	CategoryChat:          {},
	CategorySermons:       {},
	CategoryAnnouncements: {},
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := knownCategories[c]
	return ok
}

// Resolve applies admin rules and user settings for category. An admin rule
// set to true forces delivery; otherwise the user's choice wins, defaulting
// to on when the user never chose. Admins cannot force delivery off.
func Resolve(rules, settings map[string]bool, category Category) bool {
	if rules[string(category)] {
		return true
	}
	wanted, ok := settings[string(category)]
	if !ok {
		return true
	}
	return wanted
}
