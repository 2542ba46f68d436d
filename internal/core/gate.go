package core

import (
	"context"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/config"
	"gwi.com/streamchat/internal/stream"
)

// Dispatcher sends a chat request upstream and returns the reply stream.
// Gate does this in-process; stream.Client does it against a remote /api/chat.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, raw chat.RawRequest) (stream.Stream, error)
}

var (
	_ Dispatcher = (*Gate)(nil)
	_ Dispatcher = (*stream.Client)(nil)
)

// Admitter decides whether a session may send another request.
type Admitter interface {
	Admit(ctx context.Context, sessionID string) error
}

// Gate puts admission control and validation in front of a stream.Source.
// Admission runs first, so malformed requests still count against the quota.
type Gate struct {
	limiter Admitter
	source  stream.Source
}

func NewGate(limiter Admitter, source stream.Source) *Gate {
	return &Gate{limiter: limiter, source: source}
}

// Dispatch returns *ratelimit.DeniedError, *chat.ValidationError,
// *config.ConfigurationError or *UpstreamError on rejection.
func (g *Gate) Dispatch(ctx context.Context, sessionID string, raw chat.RawRequest) (stream.Stream, error) {
	if err := g.limiter.Admit(ctx, sessionID); err != nil {
		return nil, err
	}

	req, err := chat.Validate(raw)
	if err != nil {
		return nil, err
	}

	if g.source == nil {
		return nil, &config.ConfigurationError{Key: "GEMINI_API_KEY", Reason: "is not configured"}
	}

	s, err := g.source.Stream(ctx, req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	return s, nil
}
