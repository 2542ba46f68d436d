package stream

import (
	"context"
	"errors"

	"gwi.com/streamchat/internal/chat"
)

// SessionHeader carries the rate-limiting session identity.
const SessionHeader = "X-Session-ID"

// ErrIncomplete is returned when a stream ends without a completion signal.
var ErrIncomplete = errors.New("stream ended without completion signal")

// Stream yields fragments in arrival order. Next returns io.EOF after the
// upstream signals normal completion; any other error is a failed stream.
type Stream interface {
	Next() (Fragment, error)
	Close() error
}

// Source opens a streamed completion for a validated request.
type Source interface {
	Stream(ctx context.Context, req chat.Request) (Stream, error)
}
