package transport

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited waits on a shared limiter before every provider call, so the
// concurrent dispatch workers stay inside the provider's quota together.
type RateLimited struct {
	Next    Transport
	Limiter *rate.Limiter
}

func NewRateLimited(next Transport, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{Next: next, Limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) SendNew(ctx context.Context, mailbox string, msg Message) error {
	if err := r.Limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Next.SendNew(ctx, mailbox, msg)
}

func (r *RateLimited) Reply(ctx context.Context, mailbox, nativeID string, msg Message) error {
	if err := r.Limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Next.Reply(ctx, mailbox, nativeID, msg)
}

var _ Transport = (*RateLimited)(nil)
