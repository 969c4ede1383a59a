// Package assistant runs admin chat against a hosted model, letting it stage
// content drafts through a fixed set of tools.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/llm"

	"go.uber.org/zap"
)

const (
	DefaultMaxToolRounds   = 6
	DefaultTranscriptTTL   = 2 * time.Hour
	maxToolCallsPerRound   = 10
	maxTranscriptMessages  = 40
	maxToolResultLogLength = 200
)

var ErrEmptyMessage = errors.New("message is required")

const systemPrompt = `You help volunteers edit the website of a youth sports league.
You can look up editable content and stage drafts. Drafts are never live until an admin publishes them from the preview.
Always call list_editable_content or search_content before editing so you use a real content key.
Keep copy friendly and short. Never invent dates, prices or contact details the admin did not give you.
After staging a change, tell the admin what you changed and that they can preview, publish or cancel it.`

// ConversationStore keeps a per-admin transcript between chat requests.
// *session.RedisStore and *session.MemoryConversations satisfy it.
type ConversationStore interface {
	LoadConversation(ctx context.Context, userID string) ([]llm.ChatMessage, error)
	SaveConversation(ctx context.Context, userID string, messages []llm.ChatMessage, ttl time.Duration) error
	ClearConversation(ctx context.Context, userID string) error
}

type Options struct {
	MaxToolRounds int
	TranscriptTTL time.Duration
	Logger        *zap.Logger
}

type Assistant struct {
	model         llm.Model
	content       *content.Service
	search        ContentSearcher
	conversations ConversationStore
	maxRounds     int
	transcriptTTL time.Duration
	log           *zap.Logger
}

// New builds an assistant. conversations may be nil, in which case every chat
// starts fresh.
func New(model llm.Model, svc *content.Service, searcher ContentSearcher, conversations ConversationStore, opts Options) *Assistant {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.TranscriptTTL <= 0 {
		opts.TranscriptTTL = DefaultTranscriptTTL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Assistant{
		model:         model,
		content:       svc,
		search:        searcher,
		conversations: conversations,
		maxRounds:     opts.MaxToolRounds,
		transcriptTTL: opts.TranscriptTTL,
		log:           opts.Logger.Named("assistant"),
	}
}

type Reply struct {
	Reply     string     `json:"reply"`
	Drafts    []DraftRef `json:"drafts"`
	ToolCalls int        `json:"toolCalls"`
	Rounds    int        `json:"rounds"`
}

// Chat sends message on behalf of userID, runs any tool calls the model asks
// for, and returns the final reply along with the drafts staged on the way.
func (a *Assistant) Chat(ctx context.Context, userID, message string) (Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Reply{}, ErrEmptyMessage
	}

	history := a.loadTranscript(ctx, userID)
	messages := append(append([]llm.ChatMessage{}, history...), llm.ChatMessage{Role: llm.RoleUser, Content: message})
	handler := NewToolHandler(a.content, a.search, userID)

	var reply Reply
	finished := false
	for round := 0; round < a.maxRounds; round++ {
		resp, err := a.model.ChatWithTools(ctx, systemPrompt, messages, Tools)
		if err != nil {
			a.log.Warn("model request failed", zap.String("user_id", userID), zap.Int("round", round), zap.Error(err))
			return Reply{}, err
		}
		reply.Rounds = round + 1

		if len(resp.ToolCalls) == 0 {
			reply.Reply = strings.TrimSpace(resp.Content)
			finished = true
			break
		}

		calls := resp.ToolCalls
		if len(calls) > maxToolCallsPerRound {
			calls = calls[:maxToolCallsPerRound]
		}
		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, call := range calls {
			result, toolErr := handler.Execute(ctx, call)
			if toolErr != nil {
				result = fmt.Sprintf("Error: %s", toolErr.Error())
				a.log.Info("tool call rejected",
					zap.String("tool", call.Function.Name),
					zap.String("user_id", userID),
					zap.Error(toolErr),
				)
			} else {
				a.log.Debug("tool call complete",
					zap.String("tool", call.Function.Name),
					zap.String("args", truncate(call.Function.Arguments, maxToolResultLogLength)),
				)
			}
			reply.ToolCalls++
			messages = append(messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    result,
			})
		}
	}

	reply.Drafts = handler.Drafts()
	if !finished {
		a.log.Warn("tool round limit reached", zap.String("user_id", userID), zap.Int("max_rounds", a.maxRounds))
		reply.Reply = roundLimitReply(reply.Drafts)
	}
	if reply.Drafts == nil {
		reply.Drafts = []DraftRef{}
	}

	a.saveTranscript(ctx, userID, append(history,
		llm.ChatMessage{Role: llm.RoleUser, Content: message},
		llm.ChatMessage{Role: llm.RoleAssistant, Content: transcriptText(reply)},
	))
	return reply, nil
}

// Reset drops the stored transcript for userID.
func (a *Assistant) Reset(ctx context.Context, userID string) error {
	if a.conversations == nil {
		return nil
	}
	return a.conversations.ClearConversation(ctx, userID)
}

func (a *Assistant) loadTranscript(ctx context.Context, userID string) []llm.ChatMessage {
	if a.conversations == nil {
		return nil
	}
	history, err := a.conversations.LoadConversation(ctx, userID)
	if err != nil {
		a.log.Warn("load transcript", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return history
}

func (a *Assistant) saveTranscript(ctx context.Context, userID string, messages []llm.ChatMessage) {
	if a.conversations == nil {
		return
	}
	if len(messages) > maxTranscriptMessages {
		messages = messages[len(messages)-maxTranscriptMessages:]
	}
	if err := a.conversations.SaveConversation(ctx, userID, messages, a.transcriptTTL); err != nil {
		a.log.Warn("save transcript", zap.String("user_id", userID), zap.Error(err))
	}
}

// transcriptText is the assistant turn kept for follow-ups. Tool traffic is
// not stored, so staged draft ids are folded into the text instead.
func transcriptText(reply Reply) string {
	if len(reply.Drafts) == 0 {
		return reply.Reply
	}
	var b strings.Builder
	b.WriteString(reply.Reply)
	b.WriteString("\n\n[staged drafts:")
	for _, d := range reply.Drafts {
		fmt.Fprintf(&b, " %s=%s", d.ContentKey, d.DraftID)
	}
	b.WriteString("]")
	return b.String()
}

func roundLimitReply(drafts []DraftRef) string {
	if len(drafts) == 0 {
		return "I wasn't able to finish that request. Could you try asking for one change at a time?"
	}
	return fmt.Sprintf("I staged %d draft change(s) but ran out of steps before finishing. Review the previews below and publish or cancel them.", len(drafts))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
