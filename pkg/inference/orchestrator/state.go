package orchestrator

import (
	"time"

	"github.com/go-go-golems/forkchat/pkg/conversation"
)

// TurnState follows Idle -> Streaming -> (ToolExecuting -> Streaming)* and
// ends in Settled or Aborted.
type TurnState string

const (
	StateIdle          TurnState = "idle"
	StateStreaming     TurnState = "streaming"
	StateToolExecuting TurnState = "tool-executing"
	StateSettled       TurnState = "settled"
	StateAborted       TurnState = "aborted"
)

func (s TurnState) IsTerminal() bool {
	return s == StateSettled || s == StateAborted
}

// Turn summarizes one Run.
type Turn struct {
	ID        string
	SessionID string
	MessageID conversation.MessageID
	State     TurnState
	Rounds    int
	ToolCalls int
	// RoundCapHit is set when the turn settled because the round limit was
	// reached while the model still asked for tools.
	RoundCapHit bool
	// Err is the transport error that ended the turn, if any.
	Err      error
	Duration time.Duration
}
