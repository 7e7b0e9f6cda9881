// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/unclebandit/followup-engine/internal/transport"
)

type Call struct {
	Kind     string // "new" or "reply"
	Mailbox  string
	NativeID string
	Message  transport.Message
}

// Fake records every call. ReplyErr and SendErr are returned by the matching
// operation; OnSend runs before either returns.
type Fake struct {
	mu       sync.Mutex
	Calls    []Call
	ReplyErr error
	SendErr  error
	OnSend   func(Call)
}

func (f *Fake) SendNew(ctx context.Context, mailbox string, msg transport.Message) error {
	return f.record(Call{Kind: "new", Mailbox: mailbox, Message: msg}, f.SendErr)
}

func (f *Fake) Reply(ctx context.Context, mailbox, nativeID string, msg transport.Message) error {
	return f.record(Call{Kind: "reply", Mailbox: mailbox, NativeID: nativeID, Message: msg}, f.ReplyErr)
}

func (f *Fake) record(c Call, err error) error {
	if f.OnSend != nil {
		f.OnSend(c)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, c)
	return err
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

var _ transport.Transport = (*Fake)(nil)
