// ABOUTME: Collection identifiers and their storage and API naming
// ABOUTME: Maps each collection to its cache key, legacy event name, and entity type
package models

import (
	"fmt"
	"strings"
)

// Collection names a backend resource and its cache entry.
type Collection string

const (
	Events        Collection = "events"
	ClassSessions Collection = "classes"
	Announcements Collection = "announcements"
	Facilities    Collection = "facilities"
)

// KeyPrefix namespaces every persisted key.
const KeyPrefix = "school:"

// AllCollections lists collections in display order.
var AllCollections = []Collection{Events, ClassSessions, Announcements, Facilities}

// ParseCollection accepts the collection name or one of its aliases.
func ParseCollection(s string) (Collection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "events", "event":
		return Events, nil
	case "classes", "class", "class-sessions", "class_sessions", "classsessions":
		return ClassSessions, nil
	case "announcements", "announcement":
		return Announcements, nil
	case "facilities", "facility":
		return Facilities, nil
	}
	return "", fmt.Errorf("unknown collection: %s (use events, classes, announcements, or facilities)", s)
}

func (c Collection) Valid() bool {
	switch c {
	case Events, ClassSessions, Announcements, Facilities:
		return true
	}
	return false
}

// StorageKey is the persisted key holding the collection entry.
func (c Collection) StorageKey() string {
	return KeyPrefix + string(c)
}

// Singular is the prefix used by legacy created/deleted event names.
func (c Collection) Singular() string {
	switch c {
	case Events:
		return "event"
	case ClassSessions:
		return "class"
	case Announcements:
		return "announcement"
	case Facilities:
		return "facility"
	}
	return string(c)
}

// ToggleField names the boolean an admin can flip on one item and the backend
// action that flips it. ok is false for collections without one.
func (c Collection) ToggleField() (field, action string, ok bool) {
	switch c {
	case ClassSessions:
		return "isLive", "toggle-live", true
	case Announcements:
		return "isActive", "toggle-active", true
	}
	return "", "", false
}

// Title is the display name.
func (c Collection) Title() string {
	switch c {
	case Events:
		return "Events"
	case ClassSessions:
		return "Live Classes"
	case Announcements:
		return "Announcements"
	case Facilities:
		return "Facilities"
	}
	return string(c)
}

// CollectionFromSingular reverses Singular.
func CollectionFromSingular(s string) (Collection, bool) {
	for _, c := range AllCollections {
		if c.Singular() == s {
			return c, true
		}
	}
	return "", false
}

// CollectionFromStorageKey reverses StorageKey.
func CollectionFromStorageKey(key string) (Collection, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	c := Collection(strings.TrimPrefix(key, KeyPrefix))
	return c, c.Valid()
}
