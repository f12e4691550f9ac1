// Package deepgram implements recognition channels on Deepgram live
// transcription.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// Config holds the Deepgram credentials and model.
type Config struct {
	APIKey string
	Model  string
}

// liveClient is the part of the Deepgram websocket client a channel uses.
type liveClient interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveClient, error)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	channel *Channel
}

// Message forwards transcription results to the channel.
func (m *messageCallbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if ev, ok := ConvertMessage(msg); ok {
		m.channel.deliver(ev)
	}
	return nil
}

// Error ends the output side with the provider error.
func (m *messageCallbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	m.channel.finish(fmt.Errorf("deepgram error: %+v", er))
	return nil
}

// Close ends the output side.
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.channel.finish(nil)
	return nil
}

// Opener opens Deepgram live transcription connections.
type Opener struct {
	cfg    Config
	logger zerolog.Logger
	dial   dialFunc
}

// NewOpener validates cfg and returns an opener.
func NewOpener(cfg Config, logger zerolog.Logger) (*Opener, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}

	o := &Opener{cfg: cfg, logger: logger}
	o.dial = func(ctx context.Context, opts *interfaces.LiveTranscriptionOptions, cb msginterfaces.LiveMessageCallback) (liveClient, error) {
		// nil client options use the SDK defaults
		return listenClient.NewWSUsingCallback(ctx, cfg.APIKey, nil, opts, cb)
	}
	return o, nil
}

// Name implements recognition.Opener.
func (o *Opener) Name() string {
	return "deepgram"
}

// Open connects a live transcription websocket.
func (o *Opener) Open(ctx context.Context, opts recognition.Options) (recognition.Channel, error) {
	tOptions := o.liveOptions(opts)

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := newChannel(cancel)
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		channel:                c,
	}

	client, err := o.dial(streamCtx, tOptions, callback)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		cancel()
		return nil, errors.New("failed to connect to Deepgram")
	}
	c.client = client

	o.logger.Debug().
		Str("model", o.cfg.Model).
		Str("language", opts.LanguageCode).
		Msg("Deepgram streaming client started")
	return c, nil
}

func (o *Opener) liveOptions(opts recognition.Options) *interfaces.LiveTranscriptionOptions {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          o.cfg.Model,
		Language:       opts.LanguageCode,
		Punctuate:      true,
		InterimResults: opts.PartialResults,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     opts.SampleRateHz,
	}
	if opts.Encoding == "mulaw" {
		tOptions.Encoding = "mulaw"
	}
	if opts.PartialResults {
		// End utterance after 1 second of silence (requires interim results)
		tOptions.UtteranceEndMs = "1000"
		tOptions.VadEvents = true
	}
	return tOptions
}

// Channel adapts a Deepgram websocket to recognition.Channel.
type Channel struct {
	client liveClient
	cancel context.CancelFunc
	events chan recognition.Event
	done   chan struct{}

	// deliverMu keeps finish from closing events under a pending deliver.
	deliverMu sync.Mutex

	mu         sync.Mutex
	inputEnded bool
	closed     bool
	outClosed  bool
	err        error
}

func newChannel(cancel context.CancelFunc) *Channel {
	return &Channel{
		cancel: cancel,
		events: make(chan recognition.Event, 16),
		done:   make(chan struct{}),
	}
}

// deliver blocks the SDK callback until the event is taken or the channel
// is closed.
func (c *Channel) deliver(ev recognition.Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.outClosed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Channel) finish(err error) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outClosed {
		return
	}
	if c.closed {
		err = nil
	}
	c.outClosed = true
	c.err = err
	close(c.events)
}

// SendFrame writes one binary audio frame.
func (c *Channel) SendFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	ended := c.inputEnded || c.closed
	c.mu.Unlock()
	if ended {
		return recognition.ErrAlreadyClosed
	}

	if _, err := c.client.Write(frame); err != nil {
		if recognition.IsFrameTooLarge(err) {
			return fmt.Errorf("%w: %w", recognition.ErrFrameTooLarge, err)
		}
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// EndInput asks Deepgram to flush and close the stream.
func (c *Channel) EndInput(ctx context.Context) error {
	c.mu.Lock()
	if c.inputEnded || c.closed {
		c.mu.Unlock()
		return recognition.ErrAlreadyClosed
	}
	c.inputEnded = true
	c.mu.Unlock()

	// Finish doesn't return an error
	c.client.Finish()
	return nil
}

// Events implements recognition.Channel.
func (c *Channel) Events() <-chan recognition.Event {
	return c.events
}

// Err implements recognition.Channel.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close stops the connection and closes the output side.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	inputEnded := c.inputEnded
	c.mu.Unlock()

	close(c.done)
	if !inputEnded && c.client != nil {
		c.client.Finish()
	}
	c.cancel()
	c.finish(nil)
	return nil
}

// ConvertMessage maps a Deepgram message to a provider-neutral event. It
// reports false for messages that carry no transcript.
func ConvertMessage(msg *msginterfaces.MessageResponse) (recognition.Event, bool) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return recognition.Event{}, false
	}
	if msg.Channel.Alternatives[0].Transcript == "" {
		return recognition.Event{}, false
	}

	res := recognition.Result{
		IsPartial:    !msg.IsFinal,
		StartTime:    recognition.PtrFloat(msg.Start),
		EndTime:      recognition.PtrFloat(msg.Start + msg.Duration),
		Alternatives: make([]recognition.Alternative, 0, len(msg.Channel.Alternatives)),
	}

	for _, alt := range msg.Channel.Alternatives {
		a := recognition.Alternative{Transcript: alt.Transcript}
		for _, w := range alt.Words {
			content := w.PunctuatedWord
			if content == "" {
				content = w.Word
			}
			a.Items = append(a.Items, recognition.Item{
				Content:    content,
				Confidence: recognition.PtrFloat(w.Confidence),
				StartTime:  w.Start,
				EndTime:    w.End,
			})
		}
		if len(a.Items) == 0 && alt.Confidence > 0 {
			a.Items = []recognition.Item{{Content: alt.Transcript, Confidence: recognition.PtrFloat(alt.Confidence)}}
		}
		res.Alternatives = append(res.Alternatives, a)
	}

	return recognition.Event{Results: []recognition.Result{res}}, true
}
