package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger used when the recorder fails.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// OnlyActions restricts the trail to the listed actions.
func OnlyActions(actions ...string) Option {
	return func(e *Extension) {
		e.only = toSet(actions)
	}
}

// SkipActions drops the listed actions. Denied-access events are the usual
// candidate on busy catalogs.
func SkipActions(actions ...string) Option {
	return func(e *Extension) {
		if e.skip == nil {
			e.skip = make(map[string]bool, len(actions))
		}
		for _, a := range actions {
			e.skip[a] = true
		}
	}
}

// OnlyCategories restricts the trail to events in the listed categories,
// for example CategoryPayment for a finance-only audit log.
func OnlyCategories(categories ...string) Option {
	return func(e *Extension) {
		e.categories = toSet(categories)
	}
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// wants reports whether an event passes the configured filters.
func (e *Extension) wants(action, category string) bool {
	if e.skip[action] {
		return false
	}
	if e.only != nil && !e.only[action] {
		return false
	}
	return e.categories == nil || e.categories[category]
}
