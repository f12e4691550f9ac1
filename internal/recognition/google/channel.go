// Package google implements recognition channels on Google Cloud
// Speech-to-Text streaming recognition.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// MaxFrameBytes is the largest audio payload accepted in one streaming request.
const MaxFrameBytes = 25600

// recognizeStream is the part of the gRPC stream a channel uses.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Opener opens streaming recognition calls on a shared client.
type Opener struct {
	client *speech.Client
	logger zerolog.Logger
}

// NewOpener creates a Speech client. An empty credentialsFile uses
// application default credentials.
func NewOpener(ctx context.Context, credentialsFile string, logger zerolog.Logger) (*Opener, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &Opener{client: c, logger: logger}, nil
}

// Name implements recognition.Opener.
func (o *Opener) Name() string {
	return "google"
}

// Close releases the shared client.
func (o *Opener) Close() error {
	return o.client.Close()
}

// Open starts a streaming recognition call and sends its configuration.
func (o *Opener) Open(ctx context.Context, opts recognition.Options) (recognition.Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := o.client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open streaming recognize: %w", err)
	}

	if err := stream.Send(configRequest(opts)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	o.logger.Debug().
		Str("language", opts.LanguageCode).
		Int("sample_rate", opts.SampleRateHz).
		Msg("Speech stream started")

	return newChannel(stream, cancel), nil
}

func configRequest(opts recognition.Options) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   parseAudioEncoding(opts.Encoding),
					SampleRateHertz:            int32(opts.SampleRateHz),
					LanguageCode:               opts.LanguageCode,
					MaxAlternatives:            3,
					EnableWordTimeOffsets:      true,
					EnableWordConfidence:       true,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: opts.PartialResults,
			},
		},
	}
}

func parseAudioEncoding(enc string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(enc) {
	case "flac":
		return speechpb.RecognitionConfig_FLAC
	case "mulaw":
		return speechpb.RecognitionConfig_MULAW
	case "ogg-opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// Channel adapts a streaming recognize call to recognition.Channel.
type Channel struct {
	stream recognizeStream
	cancel context.CancelFunc
	events chan recognition.Event
	done   chan struct{}

	sendMu sync.Mutex

	mu         sync.Mutex
	inputEnded bool
	closed     bool
	err        error
}

func newChannel(stream recognizeStream, cancel context.CancelFunc) *Channel {
	c := &Channel{
		stream: stream,
		cancel: cancel,
		events: make(chan recognition.Event),
		done:   make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

func (c *Channel) recvLoop() {
	for {
		resp, err := c.stream.Recv()
		if err != nil {
			c.finish(err)
			return
		}
		if resp.GetError() != nil {
			c.finish(status.ErrorProto(resp.GetError()))
			return
		}
		if len(resp.GetResults()) == 0 {
			continue
		}

		select {
		case c.events <- ConvertResponse(resp):
		case <-c.done:
			c.finish(nil)
			return
		}
	}
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	switch {
	case errors.Is(err, io.EOF):
		err = nil
	case c.closed && status.Code(err) == codes.Canceled:
		err = nil
	}
	c.err = err
	c.mu.Unlock()
	close(c.events)
}

// SendFrame sends one audio request. Frames above MaxFrameBytes are refused
// locally with recognition.ErrFrameTooLarge.
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
	if len(frame) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", recognition.ErrFrameTooLarge, len(frame), MaxFrameBytes)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame},
	})
}

// EndInput half-closes the call.
func (c *Channel) EndInput(ctx context.Context) error {
	c.mu.Lock()
	if c.inputEnded || c.closed {
		c.mu.Unlock()
		return recognition.ErrAlreadyClosed
	}
	c.inputEnded = true
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
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

// Close cancels the call.
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
	return nil
}

// ConvertResponse maps a streaming response to a provider-neutral event.
// Google reports no start time for a result, so the first word offset is
// used when word offsets are present.
func ConvertResponse(resp *speechpb.StreamingRecognizeResponse) recognition.Event {
	results := resp.GetResults()
	ev := recognition.Event{Results: make([]recognition.Result, 0, len(results))}

	for i, r := range results {
		res := recognition.Result{
			ResultID:     fmt.Sprintf("%d-%d", r.GetChannelTag(), i),
			IsPartial:    !r.GetIsFinal(),
			Alternatives: make([]recognition.Alternative, 0, len(r.GetAlternatives())),
		}
		if end := r.GetResultEndTime(); end != nil {
			res.EndTime = recognition.PtrFloat(end.AsDuration().Seconds())
		}

		for _, alt := range r.GetAlternatives() {
			a := recognition.Alternative{Transcript: alt.GetTranscript()}
			for _, w := range alt.GetWords() {
				item := recognition.Item{
					Content:   w.GetWord(),
					StartTime: w.GetStartTime().AsDuration().Seconds(),
					EndTime:   w.GetEndTime().AsDuration().Seconds(),
				}
				if conf := w.GetConfidence(); conf > 0 {
					item.Confidence = recognition.PtrFloat(float64(conf))
				}
				a.Items = append(a.Items, item)
			}
			if len(a.Items) == 0 && alt.GetConfidence() > 0 {
				a.Items = []recognition.Item{{
					Content:    alt.GetTranscript(),
					Confidence: recognition.PtrFloat(float64(alt.GetConfidence())),
				}}
			}
			res.Alternatives = append(res.Alternatives, a)
		}

		if alts := r.GetAlternatives(); res.EndTime != nil && len(alts) > 0 && len(alts[0].GetWords()) > 0 {
			start := alts[0].GetWords()[0].GetStartTime().AsDuration().Seconds()
			if start <= *res.EndTime {
				res.StartTime = recognition.PtrFloat(start)
			}
		}
		ev.Results = append(ev.Results, res)
	}
	return ev
}
