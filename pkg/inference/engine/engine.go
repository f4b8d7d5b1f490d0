package engine

import (
	"context"

	"github.com/pkg/errors"
)

// ErrMalformedChunk marks a single undecodable stream chunk. The stream stays
// usable and the caller may keep calling Recv.
var ErrMalformedChunk = errors.New("malformed stream chunk")

// Engine issues one streamed chat completion request per call. Providers
// translate the neutral Request into their wire format.
type Engine interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream yields incremental deltas. Recv returns io.EOF once the provider
// sent its end sentinel. Cancelling the context passed to Engine.Stream
// aborts a blocked Recv.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req *Request) (Stream, error)

func (f EngineFunc) Stream(ctx context.Context, req *Request) (Stream, error) {
	return f(ctx, req)
}
