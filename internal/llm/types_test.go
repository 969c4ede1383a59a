package llm

import (
	"encoding/json"
	"testing"
)

func TestChatMessageOmitsEmptyToolFields(t *testing.T) {
	raw, err := json.Marshal(ChatMessage{Role: RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"role":"user","content":"hi"}` {
		t.Fatalf("unexpected json: %s", raw)
	}
}

func TestNewFunctionTool(t *testing.T) {
	tool := NewFunctionTool("update_text", "Stage text", json.RawMessage(`{"type":"object"}`))
	if tool.Type != "function" || tool.Function.Name != "update_text" {
		t.Fatalf("unexpected tool: %+v", tool)
	}
}
