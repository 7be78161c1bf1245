// ABOUTME: Data models for school content entities
// ABOUTME: Defines Event, ClassSession, Announcement, and Facility snapshots
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LocalDateTimeLayout is the zone-less date-time the backend emits.
const LocalDateTimeLayout = "2006-01-02T15:04:05"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	LocalDateTimeLayout,
	"2006-01-02T15:04",
	"2006-01-02",
}

// Timestamp is a backend date-time. Values without a zone are read as local time.
type Timestamp struct {
	time.Time
}

func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(LocalDateTimeLayout))
}

// String renders the timestamp for humans.
func (t Timestamp) String() string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("Jan 2, 2006 15:04")
}

type Event struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	EventDateTime Timestamp `json:"eventDateTime"`
	CreatedAt     Timestamp `json:"createdAt"`
}

type ClassSession struct {
	ID           int64     `json:"id"`
	Subject      string    `json:"subject"`
	Teacher      string    `json:"teacher"`
	Description  string    `json:"description,omitempty"`
	ScheduleTime Timestamp `json:"scheduleTime"`
	IsLive       bool      `json:"isLive"`
	CreatedAt    Timestamp `json:"createdAt"`
}

// Announcement priorities as the admin console sets them.
const (
	PriorityLow    = "LOW"
	PriorityNormal = "NORMAL"
	PriorityHigh   = "HIGH"
	PriorityUrgent = "URGENT"
)

type Announcement struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	IsActive  bool      `json:"isActive"`
	Priority  string    `json:"priority,omitempty"`
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

type Facility struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	CreatedAt   Timestamp `json:"createdAt"`
}

// Entity is implemented by every collection snapshot type.
type Entity interface {
	Event | ClassSession | Announcement | Facility
}

// Decode converts cached items into typed entities.
func Decode[T Entity](items []Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		var v T
		if err := json.Unmarshal(it.Raw, &v); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", it.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// LiveOnly keeps the class sessions flagged as live.
func LiveOnly(sessions []ClassSession) []ClassSession {
	var live []ClassSession
	for _, s := range sessions {
		if s.IsLive {
			live = append(live, s)
		}
	}
	return live
}

// SortNewestFirst orders announcements by creation time, newest first.
func SortNewestFirst(list []Announcement) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt.Time)
	})
}
