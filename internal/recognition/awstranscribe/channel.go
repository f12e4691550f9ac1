// Package awstranscribe implements recognition channels on Amazon Transcribe
// Streaming.
package awstranscribe

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// Config selects the region and, optionally, static credentials. Without
// static credentials the default AWS credential chain is used.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// eventStream is the part of the Transcribe event stream a channel uses.
type eventStream interface {
	Send(ctx context.Context, event types.AudioStream) error
	Events() <-chan types.TranscriptResultStream
	CloseSend() error
	Close() error
	Err() error
}

type sdkStream struct {
	*transcribestreaming.StartStreamTranscriptionEventStream
}

func (s sdkStream) CloseSend() error {
	return s.Writer.Close()
}

// Opener opens Transcribe streaming sessions.
type Opener struct {
	client *transcribestreaming.Client
	logger zerolog.Logger
}

// NewOpener loads the AWS configuration and creates a streaming client.
func NewOpener(ctx context.Context, cfg Config, logger zerolog.Logger) (*Opener, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Opener{
		client: transcribestreaming.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Name implements recognition.Opener.
func (o *Opener) Name() string {
	return "aws"
}

// Open starts a stream transcription. The stream is bound to its own
// context so it outlives the request that opened it; Close cancels it.
func (o *Opener) Open(ctx context.Context, opts recognition.Options) (recognition.Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	input := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(opts.LanguageCode),
		MediaSampleRateHertz: aws.Int32(int32(opts.SampleRateHz)),
		MediaEncoding:        mediaEncoding(opts.Encoding),
	}
	if opts.PartialResults && opts.StabilityLevel != "" {
		input.EnablePartialResultsStabilization = true
		input.PartialResultsStability = types.PartialResultsStability(opts.StabilityLevel)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	out, err := o.client.StartStreamTranscription(streamCtx, input)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start stream transcription: %w", err)
	}

	o.logger.Debug().
		Str("language", opts.LanguageCode).
		Int("sample_rate", opts.SampleRateHz).
		Msg("Transcribe stream started")

	return newChannel(sdkStream{out.GetStream()}, cancel), nil
}

func mediaEncoding(enc string) types.MediaEncoding {
	switch enc {
	case "flac":
		return types.MediaEncodingFlac
	case "ogg-opus":
		return types.MediaEncodingOggOpus
	default:
		return types.MediaEncodingPcm
	}
}

// Channel adapts a Transcribe event stream to recognition.Channel.
type Channel struct {
	stream eventStream
	cancel context.CancelFunc
	events chan recognition.Event
	done   chan struct{}

	mu         sync.Mutex
	inputEnded bool
	closed     bool
	err        error
}

func newChannel(stream eventStream, cancel context.CancelFunc) *Channel {
	c := &Channel{
		stream: stream,
		cancel: cancel,
		events: make(chan recognition.Event),
		done:   make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Channel) pump() {
	for ev := range c.stream.Events() {
		te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok {
			continue
		}
		select {
		case c.events <- ConvertTranscript(te.Value.Transcript):
		case <-c.done:
			// Drain so the SDK reader can finish.
			for range c.stream.Events() {
			}
			c.finish(nil)
			return
		}
	}
	c.finish(c.stream.Err())
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	if c.closed {
		err = nil
	}
	c.err = err
	c.mu.Unlock()
	close(c.events)
}

// SendFrame sends one audio event. A size rejection is reported as
// recognition.ErrFrameTooLarge.
func (c *Channel) SendFrame(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	ended := c.inputEnded || c.closed
	c.mu.Unlock()
	if ended {
		return recognition.ErrAlreadyClosed
	}

	err := c.stream.Send(ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: frame},
	})
	if err != nil && recognition.IsFrameTooLarge(err) {
		return fmt.Errorf("%w: %w", recognition.ErrFrameTooLarge, err)
	}
	return err
}

// EndInput closes the audio side of the stream.
func (c *Channel) EndInput(ctx context.Context) error {
	c.mu.Lock()
	if c.inputEnded || c.closed {
		c.mu.Unlock()
		return recognition.ErrAlreadyClosed
	}
	c.inputEnded = true
	c.mu.Unlock()

	return c.stream.CloseSend()
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

// Close cancels the stream and releases it.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.cancel()
	return c.stream.Close()
}

// ConvertTranscript maps a Transcribe transcript to a provider-neutral event.
func ConvertTranscript(t *types.Transcript) recognition.Event {
	if t == nil {
		return recognition.Event{}
	}

	ev := recognition.Event{Results: make([]recognition.Result, 0, len(t.Results))}
	for _, r := range t.Results {
		res := recognition.Result{
			ResultID:     aws.ToString(r.ResultId),
			IsPartial:    r.IsPartial,
			StartTime:    recognition.PtrFloat(r.StartTime),
			EndTime:      recognition.PtrFloat(r.EndTime),
			Alternatives: make([]recognition.Alternative, 0, len(r.Alternatives)),
		}
		for _, alt := range r.Alternatives {
			a := recognition.Alternative{
				Transcript: aws.ToString(alt.Transcript),
				Items:      make([]recognition.Item, 0, len(alt.Items)),
			}
			for _, it := range alt.Items {
				a.Items = append(a.Items, recognition.Item{
					Content:    aws.ToString(it.Content),
					Confidence: it.Confidence,
					StartTime:  it.StartTime,
					EndTime:    it.EndTime,
				})
			}
			res.Alternatives = append(res.Alternatives, a)
		}
		ev.Results = append(ev.Results, res)
	}
	return ev
}
