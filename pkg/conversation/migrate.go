package conversation

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sessions are persisted as JSON objects whose messages are an array in
// insertion order. Sessions written before branching support carry a flat
// message array without childrenIds; they are imported as a linear chain.

type sessionJSON struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Messages      []*Message `json:"messages"`
	CurrentLeafID MessageID  `json:"currentLeafId"`
	SystemPrompt  string     `json:"systemPrompt,omitempty"`
	Model         string     `json:"model,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (s *ChatSession) MarshalJSON() ([]byte, error) {
	out := sessionJSON{
		ID:            s.ID,
		Title:         s.GetTitle(),
		Messages:      make([]*Message, 0, len(s.Messages)),
		CurrentLeafID: s.CurrentLeafID,
		SystemPrompt:  s.SystemPrompt,
		Model:         s.Model,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	for _, id := range s.orderedIDs() {
		out.Messages = append(out.Messages, s.Messages[id])
	}
	return json.Marshal(out)
}

type rawSessionJSON struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Messages      []json.RawMessage `json:"messages"`
	CurrentLeafID MessageID         `json:"currentLeafId"`
	SystemPrompt  string            `json:"systemPrompt,omitempty"`
	Model         string            `json:"model,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (s *ChatSession) UnmarshalJSON(data []byte) error {
	var raw rawSessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	legacy := LegacySession{
		ID:           raw.ID,
		Title:        raw.Title,
		SystemPrompt: raw.SystemPrompt,
		Model:        raw.Model,
		CreatedAt:    raw.CreatedAt,
		UpdatedAt:    raw.UpdatedAt,
	}
	isLegacy := len(raw.Messages) > 0
	for i, rm := range raw.Messages {
		var lm LegacyMessage
		if err := json.Unmarshal(rm, &lm); err != nil {
			return errors.Wrapf(err, "message %d of session %s", i, raw.ID)
		}
		if lm.ChildrenIDs != nil {
			isLegacy = false
		}
		legacy.Messages = append(legacy.Messages, lm)
	}

	if isLegacy {
		imported := ImportLegacySession(legacy)
		s.adopt(imported)
		return nil
	}

	*s = ChatSession{
		ID:            raw.ID,
		Title:         raw.Title,
		Messages:      make(map[MessageID]*Message, len(legacy.Messages)),
		CurrentLeafID: raw.CurrentLeafID,
		SystemPrompt:  raw.SystemPrompt,
		Model:         raw.Model,
		CreatedAt:     raw.CreatedAt,
		UpdatedAt:     raw.UpdatedAt,
	}
	for i := range legacy.Messages {
		msg := legacy.Messages[i].Message
		msg.ChildrenIDs = []MessageID{}
		if legacy.Messages[i].ChildrenIDs != nil {
			msg.ChildrenIDs = *legacy.Messages[i].ChildrenIDs
		}
		s.register(&msg)
	}

	if s.CurrentLeafID != NullID {
		if _, ok := s.Messages[s.CurrentLeafID]; !ok {
			log.Warn().
				Str("session", s.ID).
				Str("leaf", s.CurrentLeafID.String()).
				Msg("persisted current leaf is missing, falling back to newest message")
			s.CurrentLeafID = NullID
			if len(s.order) > 0 {
				s.CurrentLeafID = s.descend(s.order[len(s.order)-1])
			}
		}
	}
	s.invalidate()
	if err := s.Validate(); err != nil {
		log.Warn().
			Err(err).
			Str("session", s.ID).
			Msg("persisted session tree is inconsistent")
	}
	return nil
}

func (s *ChatSession) adopt(o *ChatSession) {
	s.ID = o.ID
	s.Title = o.Title
	s.Messages = o.Messages
	s.CurrentLeafID = o.CurrentLeafID
	s.SystemPrompt = o.SystemPrompt
	s.Model = o.Model
	s.CreatedAt = o.CreatedAt
	s.UpdatedAt = o.UpdatedAt
	s.IsGenerating = false
	s.order = o.order
	s.invalidate()
}

type LegacyToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Arguments is either a JSON object or a string holding one.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type LegacyToolResult struct {
	CallID  string `json:"callId"`
	Result  string `json:"result"`
	IsError bool   `json:"isError"`
}

// LegacyMessage is a message as stored before branching support. The
// embedded ChildrenIDs is shadowed so that a missing key can be told apart
// from an empty list.
type LegacyMessage struct {
	Message
	ChildrenIDs *[]MessageID       `json:"childrenIds,omitempty"`
	ToolCalls   []LegacyToolCall   `json:"toolCalls,omitempty"`
	ToolResults []LegacyToolResult `json:"toolResults,omitempty"`
}

type LegacySession struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Messages     []LegacyMessage `json:"messages"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	Model        string          `json:"model,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// ImportLegacySession converts a flat message list into a linear chain: each
// message's parent is the previous message. Parts are synthesized when absent
// in the fixed order reasoning, tool call/result pairs, text.
func ImportLegacySession(legacy LegacySession) *ChatSession {
	options := []SessionOption{
		WithTitle(legacy.Title),
		WithSystemPrompt(legacy.SystemPrompt),
		WithSessionModel(legacy.Model),
	}
	if legacy.ID != "" {
		options = append(options, WithSessionID(legacy.ID))
	}
	s := NewChatSession(options...)
	if !legacy.CreatedAt.IsZero() {
		s.CreatedAt = legacy.CreatedAt
	}

	var prev MessageID
	for i := range legacy.Messages {
		lm := legacy.Messages[i]
		m := lm.Message
		if m.ID == NullID {
			m.ID = NewMessageID()
		}
		if _, dup := s.Messages[m.ID]; dup {
			log.Warn().Str("session", s.ID).Str("message", m.ID.String()).Msg("duplicate legacy message id, assigning a new one")
			m.ID = NewMessageID()
		}
		m.ParentID = prev
		m.ChildrenIDs = []MessageID{}
		if len(m.Parts) == 0 {
			m.Parts = synthesizeParts(lm)
		}

		msg := m
		s.register(&msg)
		if parent, ok := s.Messages[prev]; ok {
			parent.ChildrenIDs = append(parent.ChildrenIDs, msg.ID)
		}
		prev = msg.ID
	}
	s.CurrentLeafID = prev

	if !legacy.UpdatedAt.IsZero() {
		s.UpdatedAt = legacy.UpdatedAt
	}
	s.invalidate()
	return s
}

func synthesizeParts(lm LegacyMessage) []MessagePart {
	var parts []MessagePart
	if lm.Reasoning != "" {
		parts = append(parts, ReasoningPart(lm.Reasoning))
	}

	results := map[string]LegacyToolResult{}
	for _, r := range lm.ToolResults {
		results[r.CallID] = r
	}
	for _, c := range lm.ToolCalls {
		parts = append(parts, ToolCallPart(ToolCall{
			ID:        c.ID,
			Name:      c.Name,
			Arguments: decodeLegacyArguments(c.Arguments),
		}))
		if r, ok := results[c.ID]; ok {
			parts = append(parts, ToolResultPart(ToolResult{
				CallID:  r.CallID,
				Result:  r.Result,
				IsError: r.IsError,
			}))
		}
	}

	if lm.Content != "" {
		parts = append(parts, TextPart(lm.Content))
	}
	return parts
}

func decodeLegacyArguments(raw json.RawMessage) map[string]interface{} {
	ret := map[string]interface{}{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ret
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ret
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, &ret); err != nil {
		return map[string]interface{}{}
	}
	return ret
}

// DecodeSessions reads a persisted JSON array of sessions, importing legacy
// sessions on the fly.
func DecodeSessions(data []byte) ([]*ChatSession, error) {
	var sessions []*ChatSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, errors.Wrap(err, "could not decode sessions")
	}
	return sessions, nil
}

func EncodeSessions(sessions []*ChatSession) ([]byte, error) {
	return json.MarshalIndent(sessions, "", "  ")
}
