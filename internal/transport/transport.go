// Package transport delivers follow-ups through a mail provider.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Trace headers stamped on every follow-up so inbound processing can tell it
// apart from original traffic.
const (
	HeaderFollowupStep      = "X-Followup-Step"
	HeaderTrackedEmailID    = "X-Tracked-Email-ID"
	HeaderFollowupID        = "X-Followup-ID"
	HeaderThreadCorrelation = "X-Thread-Correlation-ID"
	HeaderOriginalMessageID = "X-Original-Message-ID"
)

type Header struct {
	Name  string
	Value string
}

type Message struct {
	To       []string
	Subject  string
	HTMLBody string
	Headers  []Header
}

// Get returns the first header value with the given name.
func (m Message) Get(name string) string {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Transport sends as the given mailbox address. Reply threads the message
// under the provider-native id of the original.
type Transport interface {
	SendNew(ctx context.Context, mailbox string, msg Message) error
	Reply(ctx context.Context, mailbox, nativeID string, msg Message) error
}

// Error is a non-2xx answer from the provider.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport returned %d: %s", e.StatusCode, e.Body)
}

// IsRejected reports whether err is a definitive 4xx refusal. Network errors
// and timeouts are not, since the provider may have accepted the message.
// 408 and 429 are transient and would fail a fallback send the same way.
func IsRejected(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return te.StatusCode >= 400 && te.StatusCode < 500
}
