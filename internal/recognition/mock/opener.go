package mock

import (
	"context"
	"sync"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// Opener hands out mock channels and remembers them so tests can drive them.
type Opener struct {
	// Script is used for every opened channel. Nil opens manual channels.
	Script []Utterance
	// OpenErr, when set, is returned by Open instead of a channel.
	OpenErr error

	mu       sync.Mutex
	channels []*Channel
}

// NewOpener returns an opener whose channels play DefaultUtterances.
func NewOpener() *Opener {
	return &Opener{Script: DefaultUtterances}
}

// NewManualOpener returns an opener whose channels only emit what tests push.
func NewManualOpener() *Opener {
	return &Opener{}
}

// Open implements recognition.Opener.
func (o *Opener) Open(ctx context.Context, opts recognition.Options) (recognition.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.OpenErr != nil {
		return nil, o.OpenErr
	}

	var ch *Channel
	if o.Script != nil {
		ch = NewScriptedChannel(opts, o.Script)
	} else {
		ch = NewChannel(opts)
	}
	o.channels = append(o.channels, ch)
	return ch, nil
}

// Name implements recognition.Opener.
func (o *Opener) Name() string {
	return "mock"
}

// Channels returns every channel opened so far.
func (o *Opener) Channels() []*Channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Channel, len(o.channels))
	copy(out, o.channels)
	return out
}

// Last returns the most recently opened channel, or nil.
func (o *Opener) Last() *Channel {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.channels) == 0 {
		return nil
	}
	return o.channels[len(o.channels)-1]
}
