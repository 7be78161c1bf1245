// ABOUTME: MCP resource handlers for exposing cached school content
// ABOUTME: Provides read-only access to each collection via school:// URIs
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const resourceScheme = "school://"

type ResourceHandlers struct {
	page *app.Page
}

func NewResourceHandlers(page *app.Page) *ResourceHandlers {
	return &ResourceHandlers{page: page}
}

// Resources lists one resource per collection.
func (h *ResourceHandlers) Resources() []*mcp.Resource {
	out := make([]*mcp.Resource, 0, len(models.AllCollections))
	for _, c := range models.AllCollections {
		out = append(out, &mcp.Resource{
			URI:         resourceScheme + string(c),
			Name:        string(c),
			Description: "Cached " + strings.ToLower(c.Title()),
			MIMEType:    "application/json",
		})
	}
	return out
}

// ReadResource handles resource read requests
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := request.Params.URI
	if !strings.HasPrefix(uri, resourceScheme) {
		return nil, fmt.Errorf("invalid URI scheme: expected %s", resourceScheme)
	}

	path := strings.TrimPrefix(uri, resourceScheme)
	name, id, _ := strings.Cut(path, "/")
	c, err := models.ParseCollection(name)
	if err != nil {
		return nil, fmt.Errorf("unknown resource: %s", name)
	}

	e := h.page.Sync.GetOrRefresh(c)

	var payload any = entryToOutput(c, e, e.Items)
	if id != "" {
		var want int64
		if _, err := fmt.Sscan(id, &want); err != nil {
			return nil, fmt.Errorf("invalid item id: %s", id)
		}
		idx := models.IndexOf(e.Items, want)
		if idx < 0 {
			return nil, fmt.Errorf("%s %d not found", c.Singular(), want)
		}
		payload = e.Items[idx].Fields()
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", c, err)
	}

	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}}, nil
}
