// ABOUTME: Tabular rendering of cached collections for terminal and web views
// ABOUTME: Decodes items into their entity type and picks the columns people read
package models

import (
	"strconv"
	"strings"
)

// Table returns the header and rows for items of collection c.
// Announcements come newest first; other collections keep the backend order.
func Table(c Collection, items []Item) ([]string, [][]string, error) {
	switch c {
	case Events:
		list, err := Decode[Event](items)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]string, 0, len(list))
		for _, e := range list {
			rows = append(rows, []string{id(e.ID), e.Title, e.EventDateTime.String(), clip(e.Description, 40)})
		}
		return []string{"ID", "TITLE", "WHEN", "DESCRIPTION"}, rows, nil

	case ClassSessions:
		list, err := Decode[ClassSession](items)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]string, 0, len(list))
		for _, s := range list {
			live := "-"
			if s.IsLive {
				live = "● live"
			}
			rows = append(rows, []string{id(s.ID), s.Subject, s.Teacher, s.ScheduleTime.String(), live})
		}
		return []string{"ID", "SUBJECT", "TEACHER", "SCHEDULED", "STATUS"}, rows, nil

	case Announcements:
		list, err := Decode[Announcement](items)
		if err != nil {
			return nil, nil, err
		}
		SortNewestFirst(list)
		rows := make([][]string, 0, len(list))
		for _, a := range list {
			active := "no"
			if a.IsActive {
				active = "yes"
			}
			priority := a.Priority
			if priority == "" {
				priority = PriorityNormal
			}
			rows = append(rows, []string{id(a.ID), priority, a.Title, clip(a.Message, 40), active, a.CreatedAt.String()})
		}
		return []string{"ID", "PRIORITY", "TITLE", "MESSAGE", "ACTIVE", "POSTED"}, rows, nil

	case Facilities:
		list, err := Decode[Facility](items)
		if err != nil {
			return nil, nil, err
		}
		rows := make([][]string, 0, len(list))
		for _, f := range list {
			rows = append(rows, []string{id(f.ID), f.Name, clip(f.Description, 50)})
		}
		return []string{"ID", "NAME", "DESCRIPTION"}, rows, nil
	}
	return nil, nil, &ValidationError{Collection: c, Index: -1, Reason: "unknown collection"}
}

func id(v int64) string {
	if v < 0 {
		return "pending"
	}
	return strconv.FormatInt(v, 10)
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
