// Package projection maintains the client-side read model for the
// conversation sidebar. It merges legacy conversation rows with
// MLS-backed groups and direct messages into one sorted, deduplicated
// view. The store is derived state only, recomputed whenever the
// underlying rows change; it is never the source of truth.
package projection

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind identifies which backing row a projection was derived from.
type Kind string

const (
	KindLegacy        Kind = "legacy"
	KindMLSGroup      Kind = "mls_group"
	KindDirectMessage Kind = "direct_message"
)

// Conversation is an input row for projection. ID is deliberately loose:
// legacy rows carry numeric ids while MLS rows carry string group ids,
// and the merged view deduplicates on the string-coerced form.
type Conversation struct {
	ID           any
	DisplayName  string
	LastActivity int64 // unix milliseconds
	Kind         Kind
}

// Item is one row of the merged sidebar view.
type Item struct {
	ID           string
	DisplayName  string
	LastActivity int64
	Unread       int
	Kind         Kind
	Selected     bool
	Typing       bool
}

// ChangeCallback fires after every recomputation of the view.
type ChangeCallback func(items []Item)

// Store holds the presentation state layered over the projected rows:
// unread counters, the single selection, and typing indicators.
type Store struct {
	mu       sync.RWMutex
	items    []Item
	unread   map[string]int
	typing   map[string]bool
	selected string
	onChange ChangeCallback
}

func NewStore() *Store {
	return &Store{
		unread: make(map[string]int),
		typing: make(map[string]bool),
	}
}

// OnChange registers the callback invoked after each projection.
func (s *Store) OnChange(callback ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = callback
}

// Project recomputes the merged view from the underlying rows: sorted by
// last activity descending, deduplicated by normalized id. When two rows
// share an id the one with the later activity wins. The result is stored
// as the current sidebar view and returned.
func (s *Store) Project(legacy, mlsGroups, directMessages []Conversation) []Item {
	merged := make(map[string]Item)
	for _, row := range concat(legacy, mlsGroups, directMessages) {
		id := NormalizeID(row.ID)
		if id == "" {
			continue
		}
		item := Item{
			ID:           id,
			DisplayName:  row.DisplayName,
			LastActivity: row.LastActivity,
			Kind:         row.Kind,
		}
		if existing, seen := merged[id]; seen && existing.LastActivity >= item.LastActivity {
			continue
		}
		merged[id] = item
	}

	s.mu.Lock()
	items := make([]Item, 0, len(merged))
	for _, item := range merged {
		item.Unread = s.unread[item.ID]
		item.Selected = item.ID == s.selected
		item.Typing = s.typing[item.ID]
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].LastActivity != items[j].LastActivity {
			return items[i].LastActivity > items[j].LastActivity
		}
		return items[i].ID < items[j].ID
	})
	s.items = items
	callback := s.onChange
	s.mu.Unlock()

	if callback != nil {
		callback(items)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Project",
		"rows":     len(items),
	}).Debug("Sidebar view recomputed")
	return items
}

// Items returns the current sidebar view, most recent activity first.
func (s *Store) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Item(nil), s.items...)
}

// Search filters the current view by a case-insensitive substring match
// over display names. An empty query returns the whole view.
func (s *Store) Search(query string) []Item {
	needle := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()

	if needle == "" {
		return append([]Item(nil), s.items...)
	}
	var matched []Item
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.DisplayName), needle) {
			matched = append(matched, item)
		}
	}
	return matched
}

// Select marks the conversation as the single selected one, resets its
// unread counter, and clears any typing indicator left on the previously
// selected conversation.
func (s *Store) Select(id any) {
	normalized := NormalizeID(id)

	s.mu.Lock()
	previous := s.selected
	if previous != "" && previous != normalized {
		delete(s.typing, previous)
	}
	s.selected = normalized
	delete(s.unread, normalized)
	s.applyStateLocked()
	s.mu.Unlock()
}

// SelectedID returns the normalized id of the selected conversation, or
// empty when nothing is selected.
func (s *Store) SelectedID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// IncrementUnread bumps the unread counter for an inbound message append,
// unless the conversation is currently selected.
func (s *Store) IncrementUnread(id any) {
	normalized := NormalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if normalized == s.selected {
		return
	}
	s.unread[normalized]++
	s.applyStateLocked()
}

// DecrementUnread lowers the unread counter, clamping at zero.
func (s *Store) DecrementUnread(id any) {
	normalized := NormalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unread[normalized] > 0 {
		s.unread[normalized]--
	}
	if s.unread[normalized] == 0 {
		delete(s.unread, normalized)
	}
	s.applyStateLocked()
}

// Unread returns the unread count for the conversation.
func (s *Store) Unread(id any) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[NormalizeID(id)]
}

// SetTyping flips the typing indicator for the conversation.
func (s *Store) SetTyping(id any, typing bool) {
	normalized := NormalizeID(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if typing {
		s.typing[normalized] = true
	} else {
		delete(s.typing, normalized)
	}
	s.applyStateLocked()
}

// Typing reports the typing indicator for the conversation.
func (s *Store) Typing(id any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[NormalizeID(id)]
}

// applyStateLocked refreshes the presentation fields of the cached view
// without reprojecting the underlying rows. Caller holds mu.
func (s *Store) applyStateLocked() {
	for i := range s.items {
		item := &s.items[i]
		item.Unread = s.unread[item.ID]
		item.Selected = item.ID == s.selected
		item.Typing = s.typing[item.ID]
	}
}

// NormalizeID string-coerces and trims a conversation id so numeric
// legacy ids and string group ids compare equal across sources.
func NormalizeID(id any) string {
	switch v := id.(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func concat(slices ...[]Conversation) []Conversation {
	var total int
	for _, s := range slices {
		total += len(s)
	}
	merged := make([]Conversation, 0, total)
	for _, s := range slices {
		merged = append(merged, s...)
	}
	return merged
}
