package orchestrator

import (
	"testing"

	"github.com/go-go-golems/forkchat/pkg/conversation"
	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assistantWith(parts ...conversation.MessagePart) *conversation.Message {
	m := conversation.NewMessage(conversation.RoleAssistant, "")
	for _, p := range parts {
		m.AppendPart(p)
	}
	return m
}

func call(id, name string, args map[string]interface{}) conversation.MessagePart {
	return conversation.ToolCallPart(conversation.ToolCall{ID: id, Name: name, Arguments: args})
}

func result(id, text string) conversation.MessagePart {
	return conversation.ToolResultPart(conversation.ToolResult{CallID: id, Result: text})
}

func TestSerializeThreadExpandsToolRounds(t *testing.T) {
	thread := conversation.Conversation{
		conversation.NewUserMessage("weather?"),
		assistantWith(
			conversation.ReasoningPart("need a lookup"),
			conversation.TextPart("Checking."),
			call("c1", "lookup", map[string]interface{}{"q": "paris"}),
			call("c2", "lookup", map[string]interface{}{"q": "rome"}),
			result("c1", "sunny"),
			result("c2", "rain"),
			conversation.TextPart("Paris is sunny, Rome is rainy."),
		),
	}

	msgs := SerializeThread(thread, "be brief")
	assert.Equal(t, []engine.ChatMessage{
		{Role: engine.RoleSystem, Content: "be brief"},
		{Role: engine.RoleUser, Content: "weather?"},
		{Role: engine.RoleAssistant, Content: "Checking.", ToolCalls: []engine.ToolCall{
			{ID: "c1", Name: "lookup", Arguments: `{"q":"paris"}`},
			{ID: "c2", Name: "lookup", Arguments: `{"q":"rome"}`},
		}},
		{Role: engine.RoleTool, Content: "sunny", ToolCallID: "c1"},
		{Role: engine.RoleTool, Content: "rain", ToolCallID: "c2"},
		{Role: engine.RoleAssistant, Content: "Paris is sunny, Rome is rainy."},
	}, msgs)
}

func TestSerializeThreadConsecutiveRounds(t *testing.T) {
	thread := conversation.Conversation{
		conversation.NewUserMessage("go"),
		assistantWith(
			call("c1", "lookup", nil),
			result("c1", "one"),
			call("c2", "lookup", nil),
			result("c2", "two"),
		),
	}

	msgs := SerializeThread(thread, "")
	require.Len(t, msgs, 5)
	assert.Equal(t, engine.RoleUser, msgs[0].Role)
	assert.Equal(t, []engine.ToolCall{{ID: "c1", Name: "lookup", Arguments: "{}"}}, msgs[1].ToolCalls)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, []engine.ToolCall{{ID: "c2", Name: "lookup", Arguments: "{}"}}, msgs[3].ToolCalls)
	assert.Equal(t, "two", msgs[4].Content)
}

func TestSerializeThreadOmitsArtifactReads(t *testing.T) {
	thread := conversation.Conversation{
		conversation.NewUserMessage("show me"),
		assistantWith(
			call("c1", "read_artifact", map[string]interface{}{"identifier": "notes.md"}),
			result("c1", "a very long document"),
		),
	}

	msgs := SerializeThread(thread, "")
	require.Len(t, msgs, 3)
	assert.Equal(t, ArtifactOmittedPlaceholder, msgs[2].Content)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
}

func TestSerializeThreadDropsUnpairedToolParts(t *testing.T) {
	thread := conversation.Conversation{
		conversation.NewUserMessage("x"),
		assistantWith(
			result("ghost", "orphan"),
			conversation.TextPart("hi"),
			call("c1", "lookup", nil),
		),
	}

	msgs := SerializeThread(thread, "")
	assert.Equal(t, []engine.ChatMessage{
		{Role: engine.RoleUser, Content: "x"},
		{Role: engine.RoleAssistant, Content: "hi"},
	}, msgs)
}

func TestSerializeThreadEditedMessage(t *testing.T) {
	s := conversation.NewChatSession()
	u, err := s.AddMessage(conversation.NewUserMessage("first"))
	require.NoError(t, err)
	_, err = s.AddMessage(assistantWith(conversation.ReasoningPart("hmm"), conversation.TextPart("answer")))
	require.NoError(t, err)

	fork := s.EditMessage(u.ID, "second")
	require.NotNil(t, fork)
	assert.Empty(t, fork.Parts)

	msgs := SerializeThread(s.ActiveThread(), "")
	assert.Equal(t, []engine.ChatMessage{{Role: engine.RoleUser, Content: "second"}}, msgs)
}

func TestSerializeThreadAttachments(t *testing.T) {
	user := conversation.NewUserMessage("look", conversation.WithAttachments(
		conversation.Attachment{Name: "notes.txt", MediaType: "text/plain", Data: []byte("line one")},
		conversation.Attachment{Name: "cat.png", MediaType: "image/png", URL: "https://example.com/cat.png"},
	))

	msgs := SerializeThread(conversation.Conversation{user}, "")
	require.Len(t, msgs, 1)
	assert.Equal(t,
		"look\n\n[attachment: notes.txt]\nline one\n\n[attachment: cat.png https://example.com/cat.png (image/png)]",
		msgs[0].Content)
}

func TestSerializeThreadSkipsEmptyAssistant(t *testing.T) {
	thread := conversation.Conversation{
		conversation.NewUserMessage("x"),
		conversation.NewAssistantPlaceholder("m"),
	}
	assert.Len(t, SerializeThread(thread, ""), 1)
}

func TestToolCallMergerOrdersByIndex(t *testing.T) {
	m := NewToolCallMerger()
	touched := m.AddFragments([]engine.ToolCallFragment{
		{Index: 1, ID: "b", Name: "second", Arguments: `{"x"`},
		{Index: 0, ID: "a", Name: "first"},
	})
	assert.ElementsMatch(t, []int{0, 1}, touched)

	m.AddFragments([]engine.ToolCallFragment{{Index: 1, ID: "ignored", Arguments: `:1}`}})
	m.AddFragments([]engine.ToolCallFragment{{Index: 0, Arguments: `{}`}})

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []engine.ToolCall{
		{ID: "a", Name: "first", Arguments: "{}"},
		{ID: "b", Name: "second", Arguments: `{"x":1}`},
	}, m.GetToolCalls())
}

func TestCleanTitle(t *testing.T) {
	cases := map[string]string{
		"Paris Weather":                  "Paris Weather",
		"  \"Paris Weather.\"  ":         "Paris Weather",
		"Title: **Planning a trip**\nok": "Planning a trip",
		"# Heading":                      "Heading",
		"":                               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, cleanTitle(in), in)
	}

	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	assert.Len(t, cleanTitle(long), maxTitleLength)
}

func TestEffectiveMaxRounds(t *testing.T) {
	for in, want := range map[int]int{-3: 5, 0: 5, 1: 1, 3: 3, 5: 5, 6: 5, 100: 5} {
		assert.Equal(t, want, Config{MaxRounds: in}.EffectiveMaxRounds(), in)
	}
}
