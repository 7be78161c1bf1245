// ABOUTME: Immutable raw entity snapshots and collection payload validation
// ABOUTME: Items keep the backend JSON object intact alongside its numeric id
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Item is one entity exactly as the backend sent it.
// Raw is never mutated; Merge and WithID return new items.
type Item struct {
	ID  int64
	Raw json.RawMessage
}

// ValidationError reports a payload that does not match the collection shape.
type ValidationError struct {
	Collection Collection
	Index      int
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid %s payload: %s", e.Collection, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: item %d: %s", e.Collection, e.Index, e.Reason)
}

// NewItem parses a JSON object carrying a numeric id.
func NewItem(raw json.RawMessage) (Item, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Item{}, fmt.Errorf("item is not a JSON object")
	}
	idRaw, ok := fields["id"]
	if !ok {
		return Item{}, fmt.Errorf("item has no id")
	}
	var num json.Number
	if err := json.Unmarshal(idRaw, &num); err != nil {
		return Item{}, fmt.Errorf("item id is not a number")
	}
	id, err := num.Int64()
	if err != nil {
		return Item{}, fmt.Errorf("item id %s is not an integer", num)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Item{}, err
	}
	return Item{ID: id, Raw: buf.Bytes()}, nil
}

func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.Raw) == 0 {
		return []byte("null"), nil
	}
	return i.Raw, nil
}

func (i *Item) UnmarshalJSON(b []byte) error {
	parsed, err := NewItem(b)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Fields decodes the item into a generic map.
func (i Item) Fields() map[string]any {
	var m map[string]any
	_ = json.Unmarshal(i.Raw, &m)
	return m
}

// Text returns a field rendered as a string, or "" when absent.
func (i Item) Text(name string) string {
	v, ok := i.Fields()[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Flag returns a boolean field. Missing or non-boolean fields read as false.
func (i Item) Flag(name string) bool {
	v, _ := i.Fields()[name].(bool)
	return v
}

// Merge overlays the fields of patch onto a copy of the item. The id is kept.
func (i Item) Merge(patch json.RawMessage) (Item, error) {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(i.Raw, &base); err != nil {
		return Item{}, fmt.Errorf("item %d: %w", i.ID, err)
	}
	var over map[string]json.RawMessage
	if err := json.Unmarshal(patch, &over); err != nil || over == nil {
		return Item{}, fmt.Errorf("patch is not a JSON object")
	}
	for k, v := range over {
		if k == "id" {
			continue
		}
		base[k] = v
	}
	base["id"] = json.RawMessage(fmt.Sprintf("%d", i.ID))
	raw, err := json.Marshal(base)
	if err != nil {
		return Item{}, err
	}
	return Item{ID: i.ID, Raw: raw}, nil
}

// ItemFromPayload builds an item from an object that may lack an id.
func ItemFromPayload(payload json.RawMessage, id int64) (Item, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return Item{}, fmt.Errorf("payload is not a JSON object")
	}
	fields["id"] = json.RawMessage(fmt.Sprintf("%d", id))
	raw, err := json.Marshal(fields)
	if err != nil {
		return Item{}, err
	}
	return Item{ID: id, Raw: raw}, nil
}

// ValidateItem checks a single object against the collection entity type.
func ValidateItem(c Collection, raw json.RawMessage) (Item, error) {
	it, err := NewItem(raw)
	if err != nil {
		return Item{}, &ValidationError{Collection: c, Index: -1, Reason: err.Error()}
	}
	if err := decodeInto(c, it.Raw); err != nil {
		return Item{}, &ValidationError{Collection: c, Index: -1, Reason: err.Error()}
	}
	return it, nil
}

// ParseItems validates a collection payload. It must be a JSON array of
// objects that decode into the collection's entity type.
func ParseItems(c Collection, raw json.RawMessage) ([]Item, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &ValidationError{Collection: c, Index: -1, Reason: "expected a JSON array"}
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, &ValidationError{Collection: c, Index: -1, Reason: err.Error()}
	}

	items := make([]Item, 0, len(elems))
	for idx, elem := range elems {
		it, err := NewItem(elem)
		if err != nil {
			return nil, &ValidationError{Collection: c, Index: idx, Reason: err.Error()}
		}
		if err := decodeInto(c, it.Raw); err != nil {
			return nil, &ValidationError{Collection: c, Index: idx, Reason: err.Error()}
		}
		items = append(items, it)
	}
	return items, nil
}

func decodeInto(c Collection, raw json.RawMessage) error {
	var target any
	switch c {
	case Events:
		target = &Event{}
	case ClassSessions:
		target = &ClassSession{}
	case Announcements:
		target = &Announcement{}
	case Facilities:
		target = &Facility{}
	default:
		return fmt.Errorf("unknown collection %q", c)
	}
	return json.Unmarshal(raw, target)
}

// IndexOf returns the position of id in items, or -1.
func IndexOf(items []Item, id int64) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Replace returns a copy of items with the entry for it.ID swapped in.
// When the id is absent the item is appended.
func Replace(items []Item, it Item) []Item {
	out := make([]Item, 0, len(items)+1)
	found := false
	for _, cur := range items {
		if cur.ID == it.ID {
			out = append(out, it)
			found = true
			continue
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, it)
	}
	return out
}

// Without returns a copy of items minus the entry with id.
func Without(items []Item, id int64) []Item {
	out := make([]Item, 0, len(items))
	for _, cur := range items {
		if cur.ID != id {
			out = append(out, cur)
		}
	}
	return out
}
