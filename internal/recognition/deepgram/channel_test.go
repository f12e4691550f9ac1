package deepgram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/rs/zerolog"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	refuse    bool
	written   [][]byte
	finished  int
	writeErr  error
}

func (f *fakeClient) Connect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = !f.refuse
	return f.connected
}

func (f *fakeClient) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p)
	return len(p), nil
}

func (f *fakeClient) Finish() {
	f.mu.Lock()
	f.finished++
	f.mu.Unlock()
}

func newTestOpener(t *testing.T, client *fakeClient) (*Opener, *msginterfaces.LiveMessageCallback, **interfaces.LiveTranscriptionOptions) {
	t.Helper()
	o, err := NewOpener(Config{APIKey: "test-key"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}

	var cb msginterfaces.LiveMessageCallback
	var opts *interfaces.LiveTranscriptionOptions
	o.dial = func(_ context.Context, lo *interfaces.LiveTranscriptionOptions, c msginterfaces.LiveMessageCallback) (liveClient, error) {
		opts = lo
		cb = c
		return client, nil
	}
	return o, &cb, &opts
}

func resultMessage(text string, final bool) *msginterfaces.MessageResponse {
	msg := &msginterfaces.MessageResponse{
		Type:     "Results",
		IsFinal:  final,
		Start:    1.0,
		Duration: 0.8,
	}
	msg.Channel.Alternatives = []msginterfaces.Alternative{{
		Transcript: text,
		Confidence: 0.9,
		Words: []msginterfaces.Word{
			{Word: "mở", PunctuatedWord: "Mở", Start: 1.0, End: 1.3, Confidence: 0.95},
			{Word: "thẻ", Start: 1.3, End: 1.8, Confidence: 0.85},
		},
	}}
	return msg
}

func TestNewOpener_RequiresAPIKey(t *testing.T) {
	if _, err := NewOpener(Config{}, zerolog.Nop()); err == nil {
		t.Error("expected an error without an API key")
	}
}

func TestConvertMessage(t *testing.T) {
	ev, ok := ConvertMessage(resultMessage("Mở thẻ", false))
	if !ok {
		t.Fatal("expected a result event")
	}
	r := ev.Results[0]
	if !r.IsPartial || *r.StartTime != 1.0 || *r.EndTime != 1.8 {
		t.Errorf("unexpected result %+v", r)
	}
	items := r.Alternatives[0].Items
	if len(items) != 2 || items[0].Content != "Mở" || items[1].Content != "thẻ" {
		t.Errorf("unexpected items %+v", items)
	}

	if _, ok := ConvertMessage(resultMessage("", true)); ok {
		t.Error("expected empty transcripts to be skipped")
	}
	if _, ok := ConvertMessage(nil); ok {
		t.Error("expected nil message to be skipped")
	}
}

func TestOpener_LiveOptions(t *testing.T) {
	o, _, optsPtr := newTestOpener(t, &fakeClient{})

	ch, err := o.Open(context.Background(), recognition.Options{LanguageCode: "vi", SampleRateHz: 16000, Encoding: "pcm", PartialResults: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	opts := *optsPtr
	if opts.Model != "nova-2" || opts.Language != "vi" || opts.SampleRate != 16000 || opts.Encoding != "linear16" {
		t.Errorf("unexpected live options %+v", opts)
	}
	if !opts.InterimResults || opts.UtteranceEndMs != "1000" {
		t.Errorf("expected interim results with utterance end, got %+v", opts)
	}
}

func TestOpener_ConnectFailure(t *testing.T) {
	o, _, _ := newTestOpener(t, &fakeClient{refuse: true})
	if _, err := o.Open(context.Background(), recognition.Options{}); err == nil {
		t.Error("expected an error when the websocket does not connect")
	}
}

func TestChannel_CallbacksDriveOutput(t *testing.T) {
	o, cbPtr, _ := newTestOpener(t, &fakeClient{})
	ch, err := o.Open(context.Background(), recognition.Options{SampleRateHz: 16000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cb := *cbPtr

	_ = cb.Message(resultMessage("Mở thẻ", true))
	_ = cb.Message(resultMessage("", false))
	_ = cb.Close(&msginterfaces.CloseResponse{})

	var got []recognition.Event
	for ev := range ch.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Results[0].IsPartial {
		t.Errorf("expected one final event, got %+v", got)
	}
	if ch.Err() != nil {
		t.Errorf("expected clean end, got %v", ch.Err())
	}
}

func TestChannel_ErrorCallback(t *testing.T) {
	o, cbPtr, _ := newTestOpener(t, &fakeClient{})
	ch, err := o.Open(context.Background(), recognition.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_ = (*cbPtr).Error(&msginterfaces.ErrorResponse{})
	for range ch.Events() {
	}
	if ch.Err() == nil {
		t.Error("expected the provider error to be reported")
	}
}

func TestChannel_SendEndClose(t *testing.T) {
	client := &fakeClient{}
	o, _, _ := newTestOpener(t, client)
	ch, err := o.Open(context.Background(), recognition.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := ch.SendFrame(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if err := ch.EndInput(context.Background()); err != nil {
		t.Fatalf("EndInput: %v", err)
	}
	if err := ch.EndInput(context.Background()); !errors.Is(err, recognition.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed, got %v", err)
	}
	if err := ch.SendFrame(context.Background(), []byte{4}); !errors.Is(err, recognition.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed after end, got %v", err)
	}

	_ = ch.Close()
	_ = ch.Close()

	if client.finished != 1 {
		t.Errorf("expected Finish once, got %d", client.finished)
	}
	select {
	case _, ok := <-ch.Events():
		if ok {
			t.Error("expected the output side to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("output not closed")
	}
}

func TestChannel_CloseUnblocksDelivery(t *testing.T) {
	o, cbPtr, _ := newTestOpener(t, &fakeClient{})
	ch, err := o.Open(context.Background(), recognition.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cb := *cbPtr

	done := make(chan struct{})
	go func() {
		// Overflows the buffer; nobody reads.
		for i := 0; i < 32; i++ {
			_ = cb.Message(resultMessage("đầy", false))
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_ = ch.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback still blocked after Close")
	}
}

func TestChannel_WriteError(t *testing.T) {
	client := &fakeClient{writeErr: errors.New("websocket: close sent")}
	o, _, _ := newTestOpener(t, client)
	ch, err := o.Open(context.Background(), recognition.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	err = ch.SendFrame(context.Background(), []byte{1})
	if err == nil || errors.Is(err, recognition.ErrFrameTooLarge) {
		t.Errorf("expected a plain send error, got %v", err)
	}
}
