package awstranscribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

type fakeStream struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	events    chan types.TranscriptResultStream
	closeOnce sync.Once
	sendClose bool
	err       error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan types.TranscriptResultStream, 8)}
}

func (f *fakeStream) Send(_ context.Context, ev types.AudioStream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	audio := ev.(*types.AudioStreamMemberAudioEvent)
	f.sent = append(f.sent, audio.Value.AudioChunk)
	return nil
}

func (f *fakeStream) Events() <-chan types.TranscriptResultStream { return f.events }

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	f.sendClose = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func transcriptEvent(text string, partial bool) *types.TranscriptResultStreamMemberTranscriptEvent {
	return &types.TranscriptResultStreamMemberTranscriptEvent{
		Value: types.TranscriptEvent{Transcript: &types.Transcript{Results: []types.Result{{
			ResultId:  aws.String("r1"),
			IsPartial: partial,
			StartTime: 0.2,
			EndTime:   1.4,
			Alternatives: []types.Alternative{{
				Transcript: aws.String(text),
				Items: []types.Item{
					{Content: aws.String("xin"), Confidence: aws.Float64(0.9), StartTime: 0.2, EndTime: 0.6},
					{Content: aws.String("chào"), StartTime: 0.6, EndTime: 1.4},
				},
			}},
		}}}},
	}
}

func TestConvertTranscript(t *testing.T) {
	ev := ConvertTranscript(transcriptEvent("xin chào", true).Value.Transcript)

	if len(ev.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(ev.Results))
	}
	r := ev.Results[0]
	if r.ResultID != "r1" || !r.IsPartial || *r.StartTime != 0.2 || *r.EndTime != 1.4 {
		t.Errorf("unexpected result %+v", r)
	}
	alt := r.Alternatives[0]
	if alt.Transcript != "xin chào" || len(alt.Items) != 2 {
		t.Fatalf("unexpected alternative %+v", alt)
	}
	if alt.Items[0].Confidence == nil || *alt.Items[0].Confidence != 0.9 {
		t.Errorf("expected item confidence to be carried")
	}
	if alt.Items[1].Confidence != nil {
		t.Errorf("expected missing confidence to stay nil")
	}

	if got := ConvertTranscript(nil); len(got.Results) != 0 {
		t.Errorf("expected empty event for nil transcript")
	}
}

func TestChannel_RelaysTranscriptEvents(t *testing.T) {
	fs := newFakeStream()
	c := newChannel(fs, func() {})

	fs.events <- transcriptEvent("xin chào", false)
	fs.Close()

	select {
	case ev := <-c.Events():
		if ev.Results[0].Alternatives[0].Transcript != "xin chào" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event relayed")
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("expected output to close")
		}
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
	if c.Err() != nil {
		t.Errorf("expected clean end, got %v", c.Err())
	}
}

func TestChannel_ReportsStreamError(t *testing.T) {
	fs := newFakeStream()
	fs.err = errors.New("LimitExceededException")
	c := newChannel(fs, func() {})
	fs.Close()

	for range c.Events() {
	}
	if c.Err() == nil {
		t.Error("expected the stream error to be reported")
	}
}

func TestChannel_SendAndEndInput(t *testing.T) {
	fs := newFakeStream()
	cancelled := false
	c := newChannel(fs, func() { cancelled = true })

	if err := c.SendFrame(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if err := c.EndInput(context.Background()); err != nil {
		t.Fatalf("EndInput: %v", err)
	}
	if !fs.sendClose {
		t.Error("expected the audio side to be closed")
	}
	if err := c.EndInput(context.Background()); !errors.Is(err, recognition.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
	if err := c.SendFrame(context.Background(), []byte{3}); !errors.Is(err, recognition.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed after end, got %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = c.Close()
	if !cancelled {
		t.Error("expected Close to cancel the stream context")
	}
	if len(fs.sent) != 1 {
		t.Errorf("expected 1 frame sent, got %d", len(fs.sent))
	}
}

func TestChannel_FrameTooLarge(t *testing.T) {
	fs := newFakeStream()
	fs.sendErr = errors.New("BadRequestException: Your request is too large")
	c := newChannel(fs, func() {})
	defer c.Close()

	err := c.SendFrame(context.Background(), make([]byte, 64*1024))
	if !errors.Is(err, recognition.ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestChannel_CloseUnblocksPump(t *testing.T) {
	fs := newFakeStream()
	c := newChannel(fs, func() {})

	// Nobody reads the output side.
	fs.events <- transcriptEvent("a", true)
	fs.events <- transcriptEvent("b", true)
	time.Sleep(10 * time.Millisecond)

	_ = c.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				if c.Err() != nil {
					t.Errorf("expected no error after close, got %v", c.Err())
				}
				return
			}
		case <-deadline:
			t.Fatal("output not closed after Close")
		}
	}
}

func TestMediaEncoding(t *testing.T) {
	tests := map[string]types.MediaEncoding{
		"pcm":      types.MediaEncodingPcm,
		"flac":     types.MediaEncodingFlac,
		"ogg-opus": types.MediaEncodingOggOpus,
		"":         types.MediaEncodingPcm,
	}
	for in, want := range tests {
		if got := mediaEncoding(in); got != want {
			t.Errorf("mediaEncoding(%q) = %v, want %v", in, got, want)
		}
	}
}
