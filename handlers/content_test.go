// ABOUTME: Tests for the content and session MCP tool handlers
// ABOUTME: Validates tool input/output and error handling against a fake backend
package handlers

import (
	"context"
	"testing"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/app/apptest"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPage(t *testing.T) (*app.Page, *apptest.School) {
	t.Helper()
	rt, school := apptest.NewRuntime(t)
	page := rt.NewPage()
	t.Cleanup(func() {
		page.Close()
		page.Wait()
	})
	return page, school
}

func login(t *testing.T, page *app.Page) {
	t.Helper()
	_, err := page.Guard.Login(context.Background(), "principal", "secret")
	require.NoError(t, err)
}

func TestListCollectionServesCacheThenRevalidates(t *testing.T) {
	page, school := setupPage(t)
	h := NewContentHandlers(page)

	_, out, err := h.ListCollection(context.Background(), nil, ListCollectionInput{Collection: "events"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Count)
	assert.Empty(t, out.Origin)

	page.Wait()
	assert.Equal(t, int32(1), school.Reads.Load())

	_, out, err = h.ListCollection(context.Background(), nil, ListCollectionInput{Collection: "events"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "cache", out.Origin)
	assert.Equal(t, "Sports Day", out.Items[0]["title"])
}

func TestListCollectionRejectsUnknown(t *testing.T) {
	page, _ := setupPage(t)
	h := NewContentHandlers(page)

	_, _, err := h.ListCollection(context.Background(), nil, ListCollectionInput{Collection: "grades"})
	assert.Error(t, err)
}

func TestRefreshCollection(t *testing.T) {
	page, _ := setupPage(t)
	h := NewContentHandlers(page)

	_, out, err := h.RefreshCollection(context.Background(), nil, RefreshCollectionInput{Collection: "classes"})
	require.NoError(t, err)
	assert.Equal(t, "network", out.Origin)
	assert.Equal(t, 1, out.Count)
	assert.NotEmpty(t, out.FetchedAt)
}

func TestCreateItemRequiresSession(t *testing.T) {
	page, school := setupPage(t)
	h := NewContentHandlers(page)

	_, _, err := h.CreateItem(context.Background(), nil, CreateItemInput{
		Collection: "facilities",
		Fields:     map[string]any{"name": "Pool"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrUnauthorized)
	assert.Equal(t, int32(0), school.Writes.Load())
}

func TestCreateUpdateDeleteItem(t *testing.T) {
	page, school := setupPage(t)
	login(t, page)
	h := NewContentHandlers(page)
	ctx := context.Background()

	_, created, err := h.CreateItem(ctx, nil, CreateItemInput{
		Collection: "facilities",
		Fields:     map[string]any{"name": "Pool", "description": "Heated"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), created.ID)
	assert.Equal(t, "Pool", created.Item["name"])

	_, updated, err := h.UpdateItem(ctx, nil, UpdateItemInput{
		Collection: "facilities",
		ID:         created.ID,
		Fields:     map[string]any{"description": "Heated, lanes 1-6"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Heated, lanes 1-6", updated.Item["description"])
	assert.Equal(t, "Pool", updated.Item["name"])

	_, deleted, err := h.DeleteItem(ctx, nil, DeleteItemInput{Collection: "facilities", ID: created.ID})
	require.NoError(t, err)
	assert.True(t, deleted.Success)
	assert.Equal(t, "Deleted facility 101", deleted.Message)
	assert.Equal(t, 1, school.Len(models.Facilities))
}

func TestToggleItem(t *testing.T) {
	page, school := setupPage(t)
	h := NewContentHandlers(page)
	ctx := context.Background()

	_, _, err := h.ToggleItem(ctx, nil, ToggleItemInput{Collection: "announcements", ID: 3})
	assert.ErrorIs(t, err, session.ErrUnauthorized)

	login(t, page)
	_, out, err := h.ToggleItem(ctx, nil, ToggleItemInput{Collection: "announcements", ID: 3})
	require.NoError(t, err)
	assert.Equal(t, false, out.Item["isActive"])

	_, out, err = h.ToggleItem(ctx, nil, ToggleItemInput{Collection: "classes", ID: 2})
	require.NoError(t, err)
	assert.Equal(t, false, out.Item["isLive"])
	assert.Equal(t, int32(2), school.Writes.Load())

	_, _, err = h.ToggleItem(ctx, nil, ToggleItemInput{Collection: "facilities", ID: 4})
	assert.ErrorContains(t, err, "facilities cannot be toggled")
	_, _, err = h.ToggleItem(ctx, nil, ToggleItemInput{Collection: "classes"})
	assert.ErrorContains(t, err, "id is required")
}

func TestItemToolsValidateInput(t *testing.T) {
	page, _ := setupPage(t)
	h := NewContentHandlers(page)
	ctx := context.Background()

	_, _, err := h.CreateItem(ctx, nil, CreateItemInput{Collection: "events"})
	assert.ErrorContains(t, err, "fields are required")

	_, _, err = h.UpdateItem(ctx, nil, UpdateItemInput{Collection: "events", Fields: map[string]any{"title": "x"}})
	assert.ErrorContains(t, err, "id is required")

	_, _, err = h.DeleteItem(ctx, nil, DeleteItemInput{Collection: "events"})
	assert.ErrorContains(t, err, "id is required")
}

func TestSessionStatus(t *testing.T) {
	page, _ := setupPage(t)
	h := NewSessionHandlers(page)

	_, out, err := h.SessionStatus(context.Background(), nil, SessionStatusInput{})
	require.NoError(t, err)
	assert.Equal(t, "anonymous", out.State)
	assert.False(t, out.CanMutate)

	login(t, page)
	_, out, err = h.SessionStatus(context.Background(), nil, SessionStatusInput{Validate: true})
	require.NoError(t, err)
	assert.Equal(t, "authenticated", out.State)
	assert.Equal(t, "principal", out.Username)
	assert.Equal(t, "ADMIN", out.Role)
	assert.True(t, out.CanMutate)
	assert.False(t, out.CanAdmin)
	assert.Empty(t, out.Error)
}

func TestReadResource(t *testing.T) {
	page, _ := setupPage(t)
	h := NewResourceHandlers(page)
	_, err := page.Sync.Refresh(context.Background(), models.Announcements)
	require.NoError(t, err)

	res, err := h.ReadResource(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: "school://announcements/3"},
	})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, "Closed Friday")

	_, err = h.ReadResource(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: "library://books"},
	})
	assert.Error(t, err)
	assert.Len(t, h.Resources(), len(models.AllCollections))
}

func TestPrompts(t *testing.T) {
	page, _ := setupPage(t)
	h := NewPromptHandlers(page)
	for _, c := range models.AllCollections {
		_, err := page.Sync.Refresh(context.Background(), c)
		require.NoError(t, err)
	}

	res, err := h.GetPrompt(context.Background(), &mcp.GetPromptRequest{
		Params: &mcp.GetPromptParams{Name: "weekly-digest"},
	})
	require.NoError(t, err)
	text := res.Messages[0].Content.(*mcp.TextContent).Text
	assert.Contains(t, text, "Sports Day")
	assert.Contains(t, text, "Maths with Ms. Rao")
	assert.Contains(t, text, "[NORMAL] Closed Friday")

	_, err = h.GetPrompt(context.Background(), &mcp.GetPromptRequest{
		Params: &mcp.GetPromptParams{Name: "announcement-draft"},
	})
	assert.ErrorContains(t, err, "topic is required")

	assert.NotNil(t, NewServer(page, "test"))
}
