package radio

import (
	"context"
	"time"
)

// RetryOptions controls SendMsgWithRetry.
type RetryOptions struct {
	MaxAttempts      int
	MaxFloodAttempts int
	FloodAfter       int // switch to flood routing after this many direct attempts
	AckTimeout       time.Duration
}

// Driver is the surface the bot core needs from the radio device. The
// firmware command codec and transports behind it are implementation
// detail; the Service in this package provides the real one and tests
// substitute fakes.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	SendMsg(ctx context.Context, dest Contact, text string) error
	SendMsgWithRetry(ctx context.Context, dest Contact, text string, opts RetryOptions) error
	SendChanMsg(ctx context.Context, channelIdx int, text string) error
	SendAdvert(ctx context.Context, flood bool) error

	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
	SetName(ctx context.Context, name string) error

	AddContact(ctx context.Context, c Contact) error
	GetContactByName(name string) (Contact, bool)
	GetContactByPrefix(prefix string) (Contact, bool)
	Contacts() []Contact
}
