package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the common shape of a tools/call result payload.
// CallTool returns raw JSON; hosts that want the standard
// content-block interpretation can run it through ParseToolResult.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ParseToolResult decodes a raw tools/call result into content blocks.
func ParseToolResult(raw json.RawMessage) (*ToolResult, error) {
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tool result: %w", err)
	}
	return &result, nil
}

// Text joins all text content blocks into a single string. Non-text
// blocks are represented as inline markers.
func (r *ToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
