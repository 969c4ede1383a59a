package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"fieldhouse/api/internal/llm"

	"google.golang.org/genai"
)

const defaultModel = "gemini-2.5-flash"

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements llm.Model over the Gemini API via the genai SDK.
type Client struct {
	models generator
	model  string
}

func NewClient(ctx context.Context, apiKey, model string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, llm.ErrNotConfigured
	}
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{models: client.Models, model: model}, nil
}

func (c *Client) ChatWithTools(ctx context.Context, system string, messages []llm.ChatMessage, tools []llm.Tool) (llm.ChatResponse, error) {
	contents, systemText := toGenaiContents(system, messages)
	config := &genai.GenerateContentConfig{}
	if systemText != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemText}}}
	}
	if len(tools) > 0 {
		declared, err := toGenaiTools(tools)
		if err != nil {
			return llm.ChatResponse{}, err
		}
		config.Tools = declared
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return llm.ChatResponse{}, mapError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.ChatResponse{}, llm.ErrEmptyResponse
	}
	text, calls := extractParts(resp.Candidates[0].Content.Parts)
	if text == "" && len(calls) == 0 {
		return llm.ChatResponse{}, llm.ErrEmptyResponse
	}
	finishReason := "stop"
	if len(calls) > 0 {
		finishReason = "tool_calls"
	}
	return llm.ChatResponse{Content: text, ToolCalls: calls, FinishReason: finishReason}, nil
}

func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return llm.ErrUnauthorized
		case apiErr.Code == http.StatusTooManyRequests:
			return llm.ErrRateLimited
		case apiErr.Code >= 500:
			return llm.ErrUnavailable
		}
	}
	return fmt.Errorf("gemini generate: %w", err)
}

func toGenaiContents(system string, messages []llm.ChatMessage) ([]*genai.Content, string) {
	var contents []*genai.Content
	systemParts := make([]string, 0, 1)
	if text := strings.TrimSpace(system); text != "" {
		systemParts = append(systemParts, text)
	}
	toolNameByID := make(map[string]string)

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			if text := strings.TrimSpace(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}
		case llm.RoleTool:
			name := msg.Name
			if name == "" {
				name = toolNameByID[msg.ToolCallID]
			}
			var output any
			if err := json.Unmarshal([]byte(msg.Content), &output); err != nil {
				output = msg.Content
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     name,
				Response: map[string]any{"output": output},
			}}
			if n := len(contents); n > 0 && contents[n-1].Role == "user" && allFunctionResponses(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		default:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				toolNameByID[call.ID] = call.Function.Name
				args := map[string]any{}
				if call.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Function.Name,
					Args: args,
				}})
			}
			contents = append(contents, &genai.Content{Role: mapRole(msg.Role), Parts: parts})
		}
	}
	return contents, strings.Join(systemParts, "\n\n")
}

func allFunctionResponses(content *genai.Content) bool {
	for _, part := range content.Parts {
		if part.FunctionResponse == nil {
			return false
		}
	}
	return len(content.Parts) > 0
}

func mapRole(role string) string {
	switch role {
	case llm.RoleAssistant, "model":
		return "model"
	default:
		return "user"
	}
}

func extractParts(parts []*genai.Part) (string, []llm.ToolCall) {
	var text strings.Builder
	var calls []llm.ToolCall
	for i, part := range parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call-%s-%d", part.FunctionCall.Name, i)
			}
			calls = append(calls, llm.ToolCall{
				ID:   id,
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      part.FunctionCall.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return text.String(), calls
}

// jsonSchema is the subset of JSON Schema used by tool parameter definitions.
type jsonSchema struct {
	Type        string                `json:"type"`
	Description string                `json:"description"`
	Properties  map[string]jsonSchema `json:"properties"`
	Required    []string              `json:"required"`
	Enum        []string              `json:"enum"`
	Items       *jsonSchema           `json:"items"`
}

func toGenaiTools(tools []llm.Tool) ([]*genai.Tool, error) {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
		}
		if len(tool.Function.Parameters) > 0 {
			var schema jsonSchema
			if err := json.Unmarshal(tool.Function.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s parameters: %w", tool.Function.Name, err)
			}
			decl.Parameters = toGenaiSchema(schema)
		}
		declarations = append(declarations, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}, nil
}

func toGenaiSchema(s jsonSchema) *genai.Schema {
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	if s.Items != nil {
		out.Items = toGenaiSchema(*s.Items)
	}
	return out
}
