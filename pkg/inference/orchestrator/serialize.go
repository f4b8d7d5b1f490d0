package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/forkchat/pkg/artifacts"
	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/rs/zerolog/log"
)

// ArtifactOmittedPlaceholder replaces read_artifact results in the history
// sent to the model.
const ArtifactOmittedPlaceholder = "[artifact content omitted; call read_artifact again if needed]"

// SerializeThread flattens a root-to-leaf thread into protocol messages.
//
// An assistant message holding tool parts expands into
// assistant(tool_calls) -> tool... -> assistant(continuation). Reasoning is
// never sent. Tool results without a preceding call are dropped, as are calls
// that never got a result.
func SerializeThread(thread conversation.Conversation, systemPrompt string) []engine.ChatMessage {
	var ret []engine.ChatMessage
	if systemPrompt != "" {
		ret = append(ret, engine.ChatMessage{Role: engine.RoleSystem, Content: systemPrompt})
	}

	for _, m := range thread {
		switch m.Role {
		case conversation.RoleAssistant:
			ret = append(ret, serializeAssistant(m)...)
		case conversation.RoleSystem:
			ret = append(ret, engine.ChatMessage{Role: engine.RoleSystem, Content: messageText(m)})
		case conversation.RoleUser:
			ret = append(ret, engine.ChatMessage{Role: engine.RoleUser, Content: userContent(m)})
		default:
			log.Warn().Str("message", m.ID.String()).Str("role", string(m.Role)).Msg("skipping message with unknown role")
		}
	}
	return ret
}

// messageText is the concatenated text of m, falling back to Content when an
// edit cleared the parts.
func messageText(m *conversation.Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == conversation.PartTypeText {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

func userContent(m *conversation.Message) string {
	text := messageText(m)
	if len(m.Attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range m.Attachments {
		b.WriteString("\n\n")
		if strings.HasPrefix(a.MediaType, "text/") && len(a.Data) > 0 {
			fmt.Fprintf(&b, "[attachment: %s]\n%s", a.Name, string(a.Data))
			continue
		}
		ref := a.Name
		if a.URL != "" {
			ref += " " + a.URL
		}
		if a.MediaType != "" {
			ref += " (" + a.MediaType + ")"
		}
		fmt.Fprintf(&b, "[attachment: %s]", ref)
	}
	return b.String()
}

func serializeAssistant(m *conversation.Message) []engine.ChatMessage {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil
		}
		return []engine.ChatMessage{{Role: engine.RoleAssistant, Content: m.Content}}
	}

	var ret []engine.ChatMessage
	var text strings.Builder
	var calls []engine.ToolCall
	var results []engine.ChatMessage
	callNames := map[string]string{}

	flush := func() {
		answered := map[string]bool{}
		for _, r := range results {
			answered[r.ToolCallID] = true
		}
		kept := calls[:0]
		for _, c := range calls {
			if answered[c.ID] {
				kept = append(kept, c)
				continue
			}
			log.Debug().Str("message", m.ID.String()).Str("call", c.ID).Msg("dropping tool call without result")
		}
		if text.Len() > 0 || len(kept) > 0 {
			msg := engine.ChatMessage{Role: engine.RoleAssistant, Content: text.String()}
			if len(kept) > 0 {
				msg.ToolCalls = append([]engine.ToolCall(nil), kept...)
			}
			ret = append(ret, msg)
		}
		ret = append(ret, results...)
		text.Reset()
		calls = nil
		results = nil
		callNames = map[string]string{}
	}

	for _, p := range m.Parts {
		switch p.Type {
		case conversation.PartTypeReasoning:
		case conversation.PartTypeText:
			if len(results) > 0 {
				flush()
			}
			text.WriteString(p.Content)
		case conversation.PartTypeToolCall:
			if len(results) > 0 {
				flush()
			}
			args, err := json.Marshal(p.ToolCall.Arguments)
			if err != nil || p.ToolCall.Arguments == nil {
				args = []byte("{}")
			}
			calls = append(calls, engine.ToolCall{
				ID:        p.ToolCall.ID,
				Name:      p.ToolCall.Name,
				Arguments: string(args),
			})
			callNames[p.ToolCall.ID] = p.ToolCall.Name
		case conversation.PartTypeToolResult:
			name, ok := callNames[p.ToolResult.CallID]
			if !ok {
				log.Warn().
					Str("message", m.ID.String()).
					Str("call", p.ToolResult.CallID).
					Msg("dropping tool result without matching tool call")
				continue
			}
			content := p.ToolResult.Result
			if name == artifacts.ToolReadArtifact {
				content = ArtifactOmittedPlaceholder
			}
			results = append(results, engine.ChatMessage{
				Role:       engine.RoleTool,
				Content:    content,
				ToolCallID: p.ToolResult.CallID,
			})
		}
	}
	flush()
	return ret
}
