// ABOUTME: MCP prompt handlers for reusable school newsletter workflows
// ABOUTME: Builds prompts from cached events, classes, and announcements
package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type PromptHandlers struct {
	page *app.Page
}

func NewPromptHandlers(page *app.Page) *PromptHandlers {
	return &PromptHandlers{page: page}
}

// Prompts lists the prompt templates served by GetPrompt.
func (h *PromptHandlers) Prompts() []*mcp.Prompt {
	return []*mcp.Prompt{
		{
			Name:        "weekly-digest",
			Description: "Summarize upcoming events, live classes, and active announcements for parents",
		},
		{
			Name:        "announcement-draft",
			Description: "Draft a new announcement in the tone of recent ones",
			Arguments: []*mcp.PromptArgument{
				{Name: "topic", Description: "What the announcement is about", Required: true},
				{Name: "priority", Description: "NORMAL, HIGH, or URGENT"},
			},
		},
	}
}

// GetPrompt generates the prompt message based on the template
func (h *PromptHandlers) GetPrompt(ctx context.Context, request *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	arguments := request.Params.Arguments
	switch name {
	case "weekly-digest":
		return h.getWeeklyDigestPrompt()
	case "announcement-draft":
		return h.getAnnouncementDraftPrompt(arguments)
	default:
		return nil, fmt.Errorf("unknown prompt: %s", name)
	}
}

func (h *PromptHandlers) getWeeklyDigestPrompt() (*mcp.GetPromptResult, error) {
	events, err := models.Decode[models.Event](h.page.Sync.GetOrRefresh(models.Events).Items)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	classes, err := models.Decode[models.ClassSession](h.page.Sync.GetOrRefresh(models.ClassSessions).Items)
	if err != nil {
		return nil, fmt.Errorf("failed to read classes: %w", err)
	}
	announcements, err := models.Decode[models.Announcement](h.page.Sync.GetOrRefresh(models.Announcements).Items)
	if err != nil {
		return nil, fmt.Errorf("failed to read announcements: %w", err)
	}
	models.SortNewestFirst(announcements)

	var promptText strings.Builder
	promptText.WriteString("Please write a short weekly digest for parents from this school data:\n\n")

	promptText.WriteString("Events:\n")
	for _, e := range events {
		promptText.WriteString(fmt.Sprintf("- %s (%s)", e.Title, e.EventDateTime))
		if e.Description != "" {
			promptText.WriteString(": " + e.Description)
		}
		promptText.WriteString("\n")
	}

	promptText.WriteString("\nLive classes:\n")
	for _, c := range models.LiveOnly(classes) {
		promptText.WriteString(fmt.Sprintf("- %s with %s\n", c.Subject, c.Teacher))
	}

	promptText.WriteString("\nActive announcements:\n")
	for _, a := range announcements {
		if !a.IsActive {
			continue
		}
		promptText.WriteString(fmt.Sprintf("- [%s] %s: %s\n", priorityOf(a), a.Title, a.Message))
	}

	promptText.WriteString("\nKeep it friendly and under 200 words. Lead with anything URGENT.")

	return &mcp.GetPromptResult{
		Description: "Weekly digest for parents",
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: promptText.String()},
			},
		},
	}, nil
}

func (h *PromptHandlers) getAnnouncementDraftPrompt(args map[string]string) (*mcp.GetPromptResult, error) {
	topic, ok := args["topic"]
	if !ok || strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	priority := strings.ToUpper(args["priority"])
	if priority == "" {
		priority = models.PriorityNormal
	}

	announcements, err := models.Decode[models.Announcement](h.page.Sync.GetOrRefresh(models.Announcements).Items)
	if err != nil {
		return nil, fmt.Errorf("failed to read announcements: %w", err)
	}
	models.SortNewestFirst(announcements)

	var promptText strings.Builder
	promptText.WriteString(fmt.Sprintf("Draft a %s priority school announcement about: %s\n\n", priority, topic))
	if len(announcements) > 0 {
		promptText.WriteString("Match the tone of these recent announcements:\n")
		for i, a := range announcements {
			if i == 3 {
				break
			}
			promptText.WriteString(fmt.Sprintf("- %s: %s\n", a.Title, a.Message))
		}
		promptText.WriteString("\n")
	}
	promptText.WriteString("Reply with a JSON object with title, message, and priority fields ready for create_item.")

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Announcement draft: %s", topic),
		Messages: []*mcp.PromptMessage{
			{
				Role:    "user",
				Content: &mcp.TextContent{Text: promptText.String()},
			},
		},
	}, nil
}

func priorityOf(a models.Announcement) string {
	if a.Priority == "" {
		return models.PriorityNormal
	}
	return a.Priority
}
