package mcp

import (
	"encoding/json"
	"testing"
)

func TestParseToolResult(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"hello"}],"isError":false}`)

	result, err := ParseToolResult(raw)
	if err != nil {
		t.Fatalf("ParseToolResult: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("got %d content blocks, want 1", len(result.Content))
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
}

func TestParseToolResult_Malformed(t *testing.T) {
	if _, err := ParseToolResult(json.RawMessage(`"just a string"`)); err == nil {
		t.Fatal("expected error for non-object result")
	}
}

func TestToolResult_Text(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name:   "multiple text blocks",
			blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
			want:   "a\nb",
		},
		{
			name:   "image placeholder",
			blocks: []ContentBlock{{Type: "image"}},
			want:   "[image]",
		},
		{
			name:   "resource placeholder",
			blocks: []ContentBlock{{Type: "resource"}},
			want:   "[resource]",
		},
		{
			name:   "unknown type",
			blocks: []ContentBlock{{Type: "audio"}},
			want:   "[audio]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ToolResult{Content: tt.blocks}
			if got := r.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
