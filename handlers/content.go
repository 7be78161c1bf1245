// ABOUTME: School content MCP tool handlers
// ABOUTME: Implements list, refresh, create, update, and delete tools over one page
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type ContentHandlers struct {
	page *app.Page
}

func NewContentHandlers(page *app.Page) *ContentHandlers {
	return &ContentHandlers{page: page}
}

type ListCollectionInput struct {
	Collection string `json:"collection" jsonschema:"One of events, classes, announcements, facilities (required)"`
	LiveOnly   bool   `json:"live_only,omitempty" jsonschema:"For classes, only sessions that are live"`
}

type CollectionOutput struct {
	Collection string           `json:"collection"`
	Origin     string           `json:"origin,omitempty"`
	FetchedAt  string           `json:"fetched_at,omitempty"`
	Count      int              `json:"count"`
	Items      []map[string]any `json:"items"`
}

// ListCollection returns the cached copy at once and revalidates it in the background.
func (h *ContentHandlers) ListCollection(_ context.Context, request *mcp.CallToolRequest, input ListCollectionInput) (*mcp.CallToolResult, CollectionOutput, error) {
	c, err := models.ParseCollection(input.Collection)
	if err != nil {
		return nil, CollectionOutput{}, err
	}

	e := h.page.Sync.GetOrRefresh(c)
	items := e.Items
	if input.LiveOnly && c == models.ClassSessions {
		sessions, err := models.Decode[models.ClassSession](items)
		if err != nil {
			return nil, CollectionOutput{}, fmt.Errorf("failed to decode classes: %w", err)
		}
		live := map[int64]bool{}
		for _, s := range models.LiveOnly(sessions) {
			live[s.ID] = true
		}
		var kept []models.Item
		for _, it := range items {
			if live[it.ID] {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	return nil, entryToOutput(c, e, items), nil
}

type RefreshCollectionInput struct {
	Collection string `json:"collection" jsonschema:"One of events, classes, announcements, facilities (required)"`
}

// RefreshCollection waits for a fresh copy from the backend.
func (h *ContentHandlers) RefreshCollection(ctx context.Context, request *mcp.CallToolRequest, input RefreshCollectionInput) (*mcp.CallToolResult, CollectionOutput, error) {
	c, err := models.ParseCollection(input.Collection)
	if err != nil {
		return nil, CollectionOutput{}, err
	}

	e, err := h.page.Sync.Refresh(ctx, c)
	if err != nil {
		return nil, CollectionOutput{}, fmt.Errorf("failed to refresh %s: %w", c, err)
	}
	return nil, entryToOutput(c, e, e.Items), nil
}

type CreateItemInput struct {
	Collection string         `json:"collection" jsonschema:"One of events, classes, announcements, facilities (required)"`
	Fields     map[string]any `json:"fields" jsonschema:"Item fields, e.g. title and eventDateTime for events (required)"`
}

type ItemOutput struct {
	Collection string         `json:"collection"`
	ID         int64          `json:"id"`
	Item       map[string]any `json:"item"`
}

func (h *ContentHandlers) CreateItem(ctx context.Context, request *mcp.CallToolRequest, input CreateItemInput) (*mcp.CallToolResult, ItemOutput, error) {
	c, err := models.ParseCollection(input.Collection)
	if err != nil {
		return nil, ItemOutput{}, err
	}
	if len(input.Fields) == 0 {
		return nil, ItemOutput{}, fmt.Errorf("fields are required")
	}

	payload, err := json.Marshal(input.Fields)
	if err != nil {
		return nil, ItemOutput{}, fmt.Errorf("invalid fields: %w", err)
	}

	it, err := h.page.Gateway.Create(ctx, c, payload)
	if err != nil {
		return nil, ItemOutput{}, fmt.Errorf("failed to create %s: %w", c.Singular(), err)
	}
	return nil, itemToOutput(c, it), nil
}

type UpdateItemInput struct {
	Collection string         `json:"collection" jsonschema:"One of events, classes, announcements, facilities (required)"`
	ID         int64          `json:"id" jsonschema:"Item ID (required)"`
	Fields     map[string]any `json:"fields" jsonschema:"Fields to change (required)"`
}

func (h *ContentHandlers) UpdateItem(ctx context.Context, request *mcp.CallToolRequest, input UpdateItemInput) (*mcp.CallToolResult, ItemOutput, error) {
	c, err := models.ParseCollection(input.Collection)
	if err != nil {
		return nil, ItemOutput{}, err
	}
	if input.ID <= 0 {
		return nil, ItemOutput{}, fmt.Errorf("id is required")
	}
	if len(input.Fields) == 0 {
		return nil, ItemOutput{}, fmt.Errorf("fields are required")
	}

	payload, err := json.Marshal(input.Fields)
	if err != nil {
		return nil, ItemOutput{}, fmt.Errorf("invalid fields: %w", err)
	}

	it, err := h.page.Gateway.Update(ctx, c, input.ID, payload)
	if err != nil {
		return nil, ItemOutput{}, fmt.Errorf("failed to update %s: %w", c.Singular(), err)
	}
	return nil, itemToOutput(c, it), nil
}

type DeleteItemInput struct {
	Collection string `json:"collection" jsonschema:"One of events, classes, announcements, facilities (required)"`
	ID         int64  `json:"id" jsonschema:"Item ID (required)"`
}

type DeleteItemOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *ContentHandlers) DeleteItem(ctx context.Context, request *mcp.CallToolRequest, input DeleteItemInput) (*mcp.CallToolResult, DeleteItemOutput, error) {
	c, err := models.ParseCollection(input.Collection)
	if err != nil {
		return nil, DeleteItemOutput{}, err
	}
	if input.ID <= 0 {
		return nil, DeleteItemOutput{}, fmt.Errorf("id is required")
	}

	if _, err := h.page.Gateway.Delete(ctx, c, input.ID); err != nil {
		return nil, DeleteItemOutput{}, fmt.Errorf("failed to delete %s: %w", c.Singular(), err)
	}
	return nil, DeleteItemOutput{
		Success: true,
		Message: fmt.Sprintf("Deleted %s %d", c.Singular(), input.ID),
	}, nil
}

type ToggleItemInput struct {
	Collection string `json:"collection" jsonschema:"classes (flips live) or announcements (flips active) (required)"`
	ID         int64  `json:"id" jsonschema:"Item ID (required)"`
}

func (h *ContentHandlers) ToggleItem(ctx context.Context, request *mcp.CallToolRequest, input ToggleItemInput) (*mcp.CallToolResult, ItemOutput, error) {
	c, err := models.ParseCollection(input.Collection)
	if err != nil {
		return nil, ItemOutput{}, err
	}
	if _, _, ok := c.ToggleField(); !ok {
		return nil, ItemOutput{}, fmt.Errorf("%s cannot be toggled (use classes or announcements)", c)
	}
	if input.ID <= 0 {
		return nil, ItemOutput{}, fmt.Errorf("id is required")
	}

	it, err := h.page.Gateway.Toggle(ctx, c, input.ID)
	if err != nil {
		return nil, ItemOutput{}, fmt.Errorf("failed to toggle %s: %w", c.Singular(), err)
	}
	return nil, itemToOutput(c, it), nil
}

func entryToOutput(c models.Collection, e cache.Entry, items []models.Item) CollectionOutput {
	out := CollectionOutput{
		Collection: string(c),
		Origin:     string(e.Origin),
		Count:      len(items),
		Items:      make([]map[string]any, 0, len(items)),
	}
	if !e.FetchedAt.IsZero() {
		out.FetchedAt = e.FetchedAt.Format(time.RFC3339)
	}
	for _, it := range items {
		out.Items = append(out.Items, it.Fields())
	}
	return out
}

func itemToOutput(c models.Collection, it models.Item) ItemOutput {
	return ItemOutput{
		Collection: string(c),
		ID:         it.ID,
		Item:       it.Fields(),
	}
}
