// Package openai implements engine.Engine on top of the OpenAI-compatible
// chat completions streaming API.
package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/forkchat/pkg/inference/engine"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.GetTracerProvider().Tracer("forkchat/inference/openai")

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds connection setup and response headers; streaming bodies
	// are bounded by the request context only.
	Timeout   time.Duration
	Transport http.RoundTripper
}

type Engine struct {
	config Config
}

var _ engine.Engine = (*Engine)(nil)

func NewEngine(config Config) *Engine {
	return &Engine{config: config}
}

// makeClient builds a client per request so that the sampling fields of the
// request can be carried by the transport.
func (e *Engine) makeClient(sampling engine.Sampling) *go_openai.Client {
	config := go_openai.DefaultConfig(e.config.APIKey)
	if e.config.BaseURL != "" {
		config.BaseURL = strings.TrimSuffix(e.config.BaseURL, "/")
	}

	// go-openai omits zero temperature and top_p, so explicitly set values
	// are written by the transport as well.
	extra := map[string]interface{}{}
	if sampling.Temperature != nil {
		extra["temperature"] = *sampling.Temperature
	}
	if sampling.TopP != nil {
		extra["top_p"] = *sampling.TopP
	}
	if sampling.TopK != nil {
		extra["top_k"] = *sampling.TopK
	}
	if sampling.MinP != nil {
		extra["min_p"] = *sampling.MinP
	}

	base := e.config.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if tr, ok := base.(*http.Transport); ok && e.config.Timeout > 0 {
		tr = tr.Clone()
		tr.ResponseHeaderTimeout = e.config.Timeout
		base = tr
	}
	config.HTTPClient = &http.Client{Transport: newSamplingTransport(base, extra)}
	return go_openai.NewClientWithConfig(config)
}

// MakeCompletionRequest translates a neutral request into a go-openai
// streaming request.
func MakeCompletionRequest(req *engine.Request) go_openai.ChatCompletionRequest {
	messages := make([]go_openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := go_openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, go_openai.ToolCall{
				ID:   tc.ID,
				Type: go_openai.ToolTypeFunction,
				Function: go_openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	ret := go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.Sampling.Temperature != nil {
		ret.Temperature = float32(*req.Sampling.Temperature)
	}
	if req.Sampling.TopP != nil {
		ret.TopP = float32(*req.Sampling.TopP)
	}
	if req.Sampling.MaxTokens != nil {
		ret.MaxTokens = *req.Sampling.MaxTokens
	}

	if len(req.Tools) > 0 {
		for _, tool := range req.Tools {
			var params interface{}
			if len(tool.Parameters) > 0 {
				params = tool.Parameters
			}
			ret.Tools = append(ret.Tools, go_openai.Tool{
				Type: go_openai.ToolTypeFunction,
				Function: &go_openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  params,
				},
			})
		}

		switch req.ToolChoice {
		case engine.ToolChoiceNone:
			ret.ToolChoice = "none"
		case engine.ToolChoiceRequired:
			ret.ToolChoice = "required"
		case engine.ToolChoiceAuto:
			ret.ToolChoice = "auto"
		default:
			ret.ToolChoice = "auto"
		}
	}
	return ret
}

func (e *Engine) Stream(ctx context.Context, req *engine.Request) (engine.Stream, error) {
	ctx, span := tracer.Start(ctx, "llm.chat.stream", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.request.tools", len(req.Tools)),
		attribute.Int("llm.request.messages", len(req.Messages)),
	)
	if req.Sampling.Temperature != nil {
		span.SetAttributes(attribute.Float64("llm.request.temperature", *req.Sampling.Temperature))
	}

	oaReq := MakeCompletionRequest(req)
	log.Debug().
		Str("model", oaReq.Model).
		Int("messages", len(oaReq.Messages)).
		Int("tools", len(oaReq.Tools)).
		Msg("OpenAI starting chat completion stream")

	client := e.makeClient(req.Sampling)
	s, err := client.CreateChatCompletionStream(ctx, oaReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		log.Error().Err(err).Msg("OpenAI streaming request failed")
		return nil, errors.Wrap(err, "chat completion request failed")
	}

	return &stream{ctx: ctx, inner: s, span: span}, nil
}

type stream struct {
	ctx          context.Context
	inner        *go_openai.ChatCompletionStream
	span         trace.Span
	chunks       int
	skipped      int
	contentLen   int
	finishReason string
	closed       bool
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func (s *stream) Recv() (engine.Delta, error) {
	if err := s.ctx.Err(); err != nil {
		return engine.Delta{}, err
	}

	response, err := s.inner.Recv()
	if errors.Is(err, io.EOF) {
		log.Debug().Int("chunks_received", s.chunks).Msg("OpenAI stream completed")
		return engine.Delta{}, io.EOF
	}
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return engine.Delta{}, ctxErr
		}
		if isDecodeError(err) {
			s.skipped++
			return engine.Delta{}, errors.Wrap(engine.ErrMalformedChunk, err.Error())
		}
		s.span.RecordError(err)
		return engine.Delta{}, err
	}
	s.chunks++

	var delta engine.Delta
	if len(response.Choices) == 0 {
		return delta, nil
	}
	choice := response.Choices[0]
	delta.Content = choice.Delta.Content
	delta.Reasoning = choice.Delta.ReasoningContent
	delta.FinishReason = string(choice.FinishReason)
	if delta.FinishReason != "" {
		s.finishReason = delta.FinishReason
	}
	s.contentLen += len(delta.Content)

	for i, tc := range choice.Delta.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		delta.ToolCalls = append(delta.ToolCalls, engine.ToolCallFragment{
			Index:     index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	if len(delta.ToolCalls) > 0 {
		for _, tc := range delta.ToolCalls {
			argPreview := tc.Arguments
			if len(argPreview) > 200 {
				argPreview = argPreview[:200] + "…"
			}
			log.Trace().
				Int("chunk", s.chunks).
				Int("index", tc.Index).
				Str("tool_id", tc.ID).
				Str("name", tc.Name).
				Str("arguments_delta", argPreview).
				Msg("OpenAI received tool_call delta")
		}
	}
	return delta, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.span.SetAttributes(
		attribute.Int("llm.response.chunks", s.chunks),
		attribute.Int("llm.response.skipped_chunks", s.skipped),
		attribute.Int("llm.response.content_length", s.contentLen),
		attribute.String("llm.response.finish_reason", s.finishReason),
	)
	if err := s.ctx.Err(); err != nil {
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
	return s.inner.Close()
}
