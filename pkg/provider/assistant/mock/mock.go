// Package mock provides test doubles for the assistant package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted channels. Use
// Channel to push responses from the test and inspect what the device sent.
//
// Example:
//
//	ch := mock.NewChannel()
//	p := &mock.Provider{Channels: []*mock.Channel{ch}}
//	// ... start a turn ...
//	ch.Push(assistant.Response{Audio: [][]byte{pcm}})
//	ch.Finish(nil)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/pushtalk/pkg/provider/assistant"
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("mock: channel closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg assistant.Config
}

// Provider is a mock implementation of assistant.Provider.
type Provider struct {
	mu sync.Mutex

	// Channels are returned by Connect in order. When exhausted a fresh
	// channel is created.
	Channels []*Channel

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

var _ assistant.Provider = (*Provider)(nil)

// Connect records the call and returns the next channel or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg assistant.Config) (assistant.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if len(p.Channels) == 0 {
		return NewChannel(), nil
	}
	ch := p.Channels[0]
	p.Channels = p.Channels[1:]
	return ch, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Channel is a mock implementation of assistant.Channel.
type Channel struct {
	mu sync.Mutex

	responses chan assistant.Response
	finished  bool
	err       error

	sent       [][]byte
	sendClosed chan struct{}
	closeCalls int

	// SendErr, if non-nil, is returned by every SendAudio call.
	SendErr error

	// OnSend, if non-nil, runs after each recorded SendAudio.
	OnSend func(n int)
}

var _ assistant.Channel = (*Channel)(nil)

// NewChannel returns an open channel with a buffered response stream.
func NewChannel() *Channel {
	return &Channel{
		responses:  make(chan assistant.Response, 64),
		sendClosed: make(chan struct{}),
	}
}

// Push delivers r to the device. It must not be called after Finish.
func (c *Channel) Push(r assistant.Response) {
	c.responses <- r
}

// Finish closes the response stream. A nil err is a clean completion.
// Repeated calls are ignored.
func (c *Channel) Finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.err = err
	close(c.responses)
}

// SendAudio records a copy of chunk.
func (c *Channel) SendAudio(_ context.Context, chunk []byte) error {
	c.mu.Lock()
	if c.closeCalls > 0 {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.SendErr != nil {
		err := c.SendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, append([]byte(nil), chunk...))
	n := len(c.sent)
	hook := c.OnSend
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

// CloseSend records the half-close. It is idempotent.
func (c *Channel) CloseSend(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.sendClosed:
	default:
		close(c.sendClosed)
	}
	return nil
}

// Responses implements assistant.Channel.
func (c *Channel) Responses() <-chan assistant.Response { return c.responses }

// Err returns the error passed to Finish.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close records the call.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

// Sent returns copies of every uplink chunk in order.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// SendClosed is closed once CloseSend has been called.
func (c *Channel) SendClosed() <-chan struct{} { return c.sendClosed }

// CloseCalls returns how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
