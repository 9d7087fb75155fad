package mcp

import (
	"fmt"
	"strings"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewTextResult creates a CallToolResult with text content
func NewTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{&mcp_sdk.TextContent{Text: text}},
	}
}

// NewErrorResult creates a CallToolResult indicating an error
func NewErrorResult(msg string) *mcp_sdk.CallToolResult {
	r := NewTextResult(msg)
	r.IsError = true
	return r
}

// toolActions lists the actions one multi-action tool accepts.
type toolActions struct {
	tool  string
	names []string
}

func (a toolActions) missing() error {
	return fmt.Errorf("action parameter is required for %s tool; valid actions: %s", a.tool, strings.Join(a.names, ", "))
}

func (a toolActions) unknown(action string) error {
	return fmt.Errorf("unknown action '%s' for %s tool; valid actions: %s", action, a.tool, strings.Join(a.names, ", "))
}
