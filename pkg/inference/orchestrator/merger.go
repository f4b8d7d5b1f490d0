package orchestrator

import (
	"sort"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
)

// ToolCallMerger accumulates streamed tool call fragments by index. Name and
// argument fragments are concatenated; the first non-empty id wins.
type ToolCallMerger struct {
	toolCalls map[int]engine.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{
		toolCalls: make(map[int]engine.ToolCall),
	}
}

// AddFragments merges fragments and returns the indices they touched.
func (tcm *ToolCallMerger) AddFragments(fragments []engine.ToolCallFragment) []int {
	touched := make([]int, 0, len(fragments))
	for _, f := range fragments {
		existing := tcm.toolCalls[f.Index]
		if existing.ID == "" {
			existing.ID = f.ID
		}
		existing.Name += f.Name
		existing.Arguments += f.Arguments
		tcm.toolCalls[f.Index] = existing
		touched = append(touched, f.Index)
	}
	return touched
}

func (tcm *ToolCallMerger) Get(index int) (engine.ToolCall, bool) {
	tc, ok := tcm.toolCalls[index]
	return tc, ok
}

func (tcm *ToolCallMerger) Len() int {
	return len(tcm.toolCalls)
}

// GetToolCalls returns the merged calls in index order.
func (tcm *ToolCallMerger) GetToolCalls() []engine.ToolCall {
	indices := make([]int, 0, len(tcm.toolCalls))
	for i := range tcm.toolCalls {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	result := make([]engine.ToolCall, 0, len(indices))
	for _, i := range indices {
		result = append(result, tcm.toolCalls[i])
	}
	return result
}
