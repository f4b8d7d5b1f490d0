package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// PrinterOptions controls what StepPrinterFunc renders besides answer text.
type PrinterOptions struct {
	ShowThinking  bool
	ShowToolCalls bool
}

// StepPrinterFunc renders turn events as plain text to w: answer deltas as
// they arrive, tool calls and results as YAML, errors inline.
func StepPrinterFunc(name string, w io.Writer, opts PrinterOptions) func(msg *message.Message) error {
	isFirst := true
	thinking := false

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("could not decode event")
			return nil
		}

		switch p_ := e.(type) {
		case *EventPartialCompletionStart:
			if isFirst && name != "" {
				isFirst = false
				if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
					return err
				}
			}

		case *EventThinkingPartial:
			if !opts.ShowThinking {
				break
			}
			if !thinking {
				thinking = true
				if _, err := fmt.Fprintf(w, "\n--- Thinking ---\n"); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventPartialCompletion:
			if thinking {
				thinking = false
				if _, err := fmt.Fprintf(w, "\n--- Output ---\n"); err != nil {
					return err
				}
			}
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventToolCallExecute:
			if !opts.ShowToolCalls {
				break
			}
			v_, err := yaml.Marshal(p_.ToolCall)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "\n[tool call]\n%s", v_); err != nil {
				return err
			}

		case *EventToolCallExecutionResult:
			if !opts.ShowToolCalls {
				break
			}
			v_, err := yaml.Marshal(p_.ToolResult)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "[tool result]\n%s\n", v_); err != nil {
				return err
			}

		case *EventError:
			if _, err := fmt.Fprintf(w, "\n[error] %s\n", p_.ErrorString); err != nil {
				return err
			}

		case *EventInterrupt:
			if _, err := fmt.Fprintf(w, "\n[interrupted]\n"); err != nil {
				return err
			}

		case *EventFinal:
			thinking = false
			isFirst = true
			if !strings.HasSuffix(p_.Text, "\n") {
				if _, err := fmt.Fprintf(w, "\n"); err != nil {
					return err
				}
			}

		case *EventTitle:
			log.Debug().Str("title", p_.Title).Msg("session titled")
		}

		return nil
	}
}
