// Package streamtest provides in-memory streams for tests.
package streamtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/stream"
)

type item struct {
	frag stream.Fragment
	err  error
}

// Pipe is a stream fed by a test. Fragments are delivered in the order they
// are pushed. Next blocks until an item arrives, the pipe is finished, or ctx
// is cancelled.
type Pipe struct {
	ctx    context.Context
	items  chan item
	closed chan struct{}
	once   sync.Once
}

// NewPipe creates a pipe bound to ctx.
func NewPipe(ctx context.Context) *Pipe {
	return &Pipe{
		ctx:    ctx,
		items:  make(chan item, 64),
		closed: make(chan struct{}),
	}
}

// Push delivers fragments.
func (p *Pipe) Push(frags ...stream.Fragment) {
	for _, f := range frags {
		p.items <- item{frag: f}
	}
}

// Text pushes one Text fragment per chunk.
func (p *Pipe) Text(chunks ...string) {
	for _, c := range chunks {
		p.Push(stream.Text{Content: c})
	}
}

// Finish signals normal completion.
func (p *Pipe) Finish() { p.items <- item{err: io.EOF} }

// Fail ends the stream with err.
func (p *Pipe) Fail(err error) { p.items <- item{err: err} }

// Next implements stream.Stream.
func (p *Pipe) Next() (stream.Fragment, error) {
	select {
	case it := <-p.items:
		return it.frag, it.err
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	case <-p.closed:
		return nil, errors.New("stream closed")
	}
}

// Close implements stream.Stream.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Closed reports whether Close was called.
func (p *Pipe) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Script returns a finished stream that yields text chunks and then io.EOF,
// or err when err is non-nil.
func Script(err error, chunks ...string) *Pipe {
	p := NewPipe(context.Background())
	p.Text(chunks...)
	if err != nil {
		p.Fail(err)
	} else {
		p.Finish()
	}
	return p
}

// Source is a stream.Source that records requests and replies through Open.
type Source struct {
	mu       sync.Mutex
	requests []chat.Request

	// Open builds the stream for each request. Defaults to an empty
	// completed stream.
	Open func(ctx context.Context, req chat.Request) (stream.Stream, error)
}

// Stream implements stream.Source.
func (s *Source) Stream(ctx context.Context, req chat.Request) (stream.Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	open := s.Open
	s.mu.Unlock()

	if open == nil {
		return Script(nil), nil
	}
	return open(ctx, req)
}

// Requests returns the requests seen so far.
func (s *Source) Requests() []chat.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Request, len(s.requests))
	copy(out, s.requests)
	return out
}
