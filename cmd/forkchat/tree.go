package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/forkchat/pkg/conversation"
)

const previewLength = 60

func preview(m *conversation.Message) string {
	text := strings.Join(strings.Fields(m.Content), " ")
	if text == "" {
		if calls := m.ToolCalls(); len(calls) > 0 {
			names := make([]string, 0, len(calls))
			for _, c := range calls {
				names = append(names, c.Name)
			}
			text = "[tools: " + strings.Join(names, ", ") + "]"
		}
	}
	r := []rune(text)
	if len(r) > previewLength {
		return string(r[:previewLength-1]) + "…"
	}
	return text
}

// printTree draws every branch of s. Messages on the active thread are
// marked with '*', the current leaf with '>'.
func printTree(w io.Writer, s *conversation.ChatSession) {
	active := map[conversation.MessageID]bool{}
	for _, id := range s.ActiveThread().IDs() {
		active[id] = true
	}

	var walk func(id conversation.MessageID, prefix string, last bool, depth int)
	walk = func(id conversation.MessageID, prefix string, last bool, depth int) {
		m, ok := s.Message(id)
		if !ok || depth > len(s.Messages) {
			return
		}
		marker := " "
		if id == s.CurrentLeafID {
			marker = ">"
		} else if active[id] {
			marker = "*"
		}
		branch := "├─"
		childPrefix := prefix + "│ "
		if last {
			branch = "└─"
			childPrefix = prefix + "  "
		}
		_, _ = fmt.Fprintf(w, "%s%s%s %s [%s] %s\n", prefix, branch, marker, shortID(id), m.Role, preview(m))
		for i, child := range m.ChildrenIDs {
			walk(child, childPrefix, i == len(m.ChildrenIDs)-1, depth+1)
		}
	}

	roots := s.Roots()
	for i, root := range roots {
		walk(root, "", i == len(roots)-1, 0)
	}
}

func shortID(id conversation.MessageID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// resolveMessage accepts a full id or a unique prefix of one.
func resolveMessage(s *conversation.ChatSession, ref string) (conversation.MessageID, error) {
	if _, ok := s.Message(conversation.MessageID(ref)); ok {
		return conversation.MessageID(ref), nil
	}
	var found []conversation.MessageID
	for id := range s.Messages {
		if strings.HasPrefix(id.String(), ref) {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return conversation.NullID, fmt.Errorf("no message %q", ref)
	case 1:
		return found[0], nil
	default:
		return conversation.NullID, fmt.Errorf("message prefix %q is ambiguous", ref)
	}
}

// printThread writes the active thread, one block per message, with the
// branch position of messages that have siblings.
func printThread(w io.Writer, s *conversation.ChatSession) {
	for _, m := range s.ActiveThread() {
		header := fmt.Sprintf("[%s] %s", shortID(m.ID), m.Role)
		if pos, total := s.BranchPosition(m.ID); total > 1 {
			header += fmt.Sprintf(" (%d/%d)", pos+1, total)
		}
		_, _ = fmt.Fprintln(w, header)
		if m.Reasoning != "" {
			_, _ = fmt.Fprintf(w, "  (thinking) %s\n", preview(&conversation.Message{Content: m.Reasoning}))
		}
		for _, c := range m.ToolCalls() {
			_, _ = fmt.Fprintf(w, "  -> %s %v\n", c.Name, c.Arguments)
		}
		if m.Content != "" {
			_, _ = fmt.Fprintln(w, indent(m.Content, "  "))
		}
		_, _ = fmt.Fprintln(w)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
