package google

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

type recvResult struct {
	resp *speechpb.StreamingRecognizeResponse
	err  error
}

type fakeStream struct {
	mu        sync.Mutex
	sent      []*speechpb.StreamingRecognizeRequest
	closeSend bool
	recv      chan recvResult
}

func newFakeStream() *fakeStream {
	return &fakeStream{recv: make(chan recvResult, 8)}
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	r := <-f.recv
	return r.resp, r.err
}

func (f *fakeStream) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSend = true
	return nil
}

func secs(s float64) *durationpb.Duration {
	return durationpb.New(time.Duration(s * float64(time.Second)))
}

func finalResponse() *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal:       true,
			ResultEndTime: secs(1.5),
			Alternatives: []*speechpb.SpeechRecognitionAlternative{
				{
					Transcript: "số dư",
					Confidence: 0.85,
					Words: []*speechpb.WordInfo{
						{Word: "số", StartTime: secs(0.5), EndTime: secs(0.9), Confidence: 0.8},
						{Word: "dư", StartTime: secs(0.9), EndTime: secs(1.5), Confidence: 0.9},
					},
				},
				{Transcript: "số du"},
			},
		}},
	}
}

func TestConvertResponse(t *testing.T) {
	ev := ConvertResponse(finalResponse())

	if len(ev.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(ev.Results))
	}
	r := ev.Results[0]
	if r.IsPartial {
		t.Error("expected a final result")
	}
	if r.StartTime == nil || math.Abs(*r.StartTime-0.5) > 1e-9 {
		t.Errorf("expected start from the first word, got %v", r.StartTime)
	}
	if r.EndTime == nil || math.Abs(*r.EndTime-1.5) > 1e-9 {
		t.Errorf("expected end 1.5, got %v", r.EndTime)
	}
	if len(r.Alternatives) != 2 || r.Alternatives[1].Transcript != "số du" {
		t.Fatalf("unexpected alternatives %+v", r.Alternatives)
	}
	items := r.Alternatives[0].Items
	if len(items) != 2 || math.Abs(*items[0].Confidence-0.8) > 1e-6 {
		t.Errorf("unexpected items %+v", items)
	}
}

func TestConvertResponse_Interim(t *testing.T) {
	ev := ConvertResponse(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "số"}},
		}},
	})

	r := ev.Results[0]
	if !r.IsPartial || r.StartTime != nil || r.EndTime != nil {
		t.Errorf("unexpected interim result %+v", r)
	}
	if len(r.Alternatives[0].Items) != 0 {
		t.Errorf("expected no items without words or confidence")
	}
}

func TestConvertResponse_ConfidenceWithoutWords(t *testing.T) {
	ev := ConvertResponse(&speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal:      true,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "vay", Confidence: 0.75}},
		}},
	})

	items := ev.Results[0].Alternatives[0].Items
	if len(items) != 1 || math.Abs(*items[0].Confidence-0.75) > 1e-6 {
		t.Errorf("expected the alternative confidence as a single item, got %+v", items)
	}
}

func TestChannel_StreamsResponses(t *testing.T) {
	fs := newFakeStream()
	c := newChannel(fs, func() {})

	fs.recv <- recvResult{resp: &speechpb.StreamingRecognizeResponse{}}
	fs.recv <- recvResult{resp: finalResponse()}
	fs.recv <- recvResult{err: io.EOF}

	var got []recognition.Event
	for ev := range c.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("expected empty responses to be skipped, got %d events", len(got))
	}
	if c.Err() != nil {
		t.Errorf("expected EOF to be a clean end, got %v", c.Err())
	}
}

func TestChannel_StreamError(t *testing.T) {
	fs := newFakeStream()
	c := newChannel(fs, func() {})

	fs.recv <- recvResult{err: status.Error(codes.Unavailable, "backend gone")}
	for range c.Events() {
	}
	if status.Code(c.Err()) != codes.Unavailable {
		t.Errorf("expected the gRPC error, got %v", c.Err())
	}
}

func TestChannel_SendFrame(t *testing.T) {
	fs := newFakeStream()
	c := newChannel(fs, func() {})
	defer func() {
		_ = c.Close()
		fs.recv <- recvResult{err: status.Error(codes.Canceled, "canceled")}
	}()

	if err := c.SendFrame(context.Background(), make([]byte, MaxFrameBytes+1)); !errors.Is(err, recognition.ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := c.SendFrame(context.Background(), make([]byte, 8*1024)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if len(fs.sent) != 1 || len(fs.sent[0].GetAudioContent()) != 8*1024 {
		t.Errorf("expected one audio request, got %d", len(fs.sent))
	}

	if err := c.EndInput(context.Background()); err != nil {
		t.Fatalf("EndInput: %v", err)
	}
	if !fs.closeSend {
		t.Error("expected CloseSend")
	}
	if err := c.EndInput(context.Background()); !errors.Is(err, recognition.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestChannel_CancelAfterCloseIsClean(t *testing.T) {
	fs := newFakeStream()
	cancelled := make(chan struct{})
	c := newChannel(fs, func() { close(cancelled) })

	_ = c.Close()
	<-cancelled
	fs.recv <- recvResult{err: status.Error(codes.Canceled, "context canceled")}

	for range c.Events() {
	}
	if c.Err() != nil {
		t.Errorf("expected cancellation after Close to be clean, got %v", c.Err())
	}
}

func TestConfigRequest(t *testing.T) {
	req := configRequest(recognition.Options{LanguageCode: "vi-VN", SampleRateHz: 16000, Encoding: "pcm", PartialResults: true})

	cfg := req.GetStreamingConfig()
	if cfg == nil || !cfg.GetInterimResults() {
		t.Fatal("expected a streaming config with interim results")
	}
	rc := cfg.GetConfig()
	if rc.GetLanguageCode() != "vi-VN" || rc.GetSampleRateHertz() != 16000 || rc.GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("unexpected recognition config %v", rc)
	}
}

func TestParseAudioEncoding(t *testing.T) {
	tests := []struct {
		input    string
		expected speechpb.RecognitionConfig_AudioEncoding
	}{
		{"pcm", speechpb.RecognitionConfig_LINEAR16},
		{"FLAC", speechpb.RecognitionConfig_FLAC},
		{"mulaw", speechpb.RecognitionConfig_MULAW},
		{"ogg-opus", speechpb.RecognitionConfig_OGG_OPUS},
		{"", speechpb.RecognitionConfig_LINEAR16},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseAudioEncoding(tt.input); got != tt.expected {
				t.Errorf("parseAudioEncoding(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
