// Package mock provides an in-process recognition backend for development
// without cloud credentials and a controllable channel for tests.
//
// A scripted channel simulates progressive partial transcripts: every audio
// frame releases the next partial of the current utterance, and once the
// partials are exhausted the next frame releases exactly one final result.
// Ending the input flushes an unfinished utterance as a final and closes the
// output side.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/haichaukhuu/pansea25-fin-chatbot-vn-sub000/internal/recognition"
)

// Utterance is a scripted utterance with progressive transcripts.
type Utterance struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []Utterance{
	{
		Partials:   []string{"Tôi muốn", "Tôi muốn kiểm tra", "Tôi muốn kiểm tra số dư"},
		Final:      "Tôi muốn kiểm tra số dư tài khoản",
		Confidence: 0.93,
	},
	{
		Partials:   []string{"Lãi suất", "Lãi suất tiết kiệm"},
		Final:      "Lãi suất tiết kiệm hiện nay là bao nhiêu",
		Confidence: 0.9,
	},
	{
		Partials:   []string{"I want", "I want to open"},
		Final:      "I want to open a savings account",
		Confidence: 0.95,
	},
}

const defaultEventBuffer = 64

// Channel implements recognition.Channel in memory.
type Channel struct {
	opts recognition.Options

	mu         sync.Mutex
	frames     [][]byte
	sendErrs   []error
	maxFrame   int
	inputEnded bool
	outClosed  bool
	closed     bool
	err        error
	events     chan recognition.Event

	script       []Utterance
	utterance    int
	partial      int
	bytesIn      int
	segmentStart float64
}

// NewChannel returns a channel driven only through its test hooks.
func NewChannel(opts recognition.Options) *Channel {
	return &Channel{
		opts:   opts,
		events: make(chan recognition.Event, defaultEventBuffer),
	}
}

// NewScriptedChannel returns a channel that answers audio with the given utterances.
func NewScriptedChannel(opts recognition.Options, script []Utterance) *Channel {
	c := NewChannel(opts)
	c.script = script
	return c
}

// SendFrame records the frame and, for scripted channels, releases the next
// simulated result.
func (c *Channel) SendFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputEnded || c.closed {
		return recognition.ErrAlreadyClosed
	}
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	if c.maxFrame > 0 && len(frame) > c.maxFrame {
		return recognition.ErrFrameTooLarge
	}

	c.frames = append(c.frames, append([]byte(nil), frame...))
	c.bytesIn += len(frame)
	c.advanceLocked()
	return nil
}

// EndInput ends the input side. A second call returns ErrAlreadyClosed.
func (c *Channel) EndInput(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inputEnded || c.closed {
		return recognition.ErrAlreadyClosed
	}
	c.inputEnded = true

	if c.script != nil {
		if c.partial > 0 {
			c.emitFinalLocked()
		}
		c.finishLocked(nil)
	}
	return nil
}

// Events returns the output side.
func (c *Channel) Events() <-chan recognition.Event {
	return c.events
}

// Err reports why the output side ended.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close releases the channel and closes the output side if still open.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.finishLocked(nil)
	return nil
}

// Emit pushes an event onto the output side. It reports false if the output
// is closed or its buffer is full.
func (c *Channel) Emit(ev recognition.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emitLocked(ev)
}

// Finish closes the output side with err as the terminal error.
func (c *Channel) Finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(err)
}

// FailSends queues errors returned by the next SendFrame calls, in order.
// A nil entry lets that call succeed.
func (c *Channel) FailSends(errs ...error) {
	c.mu.Lock()
	c.sendErrs = append(c.sendErrs, errs...)
	c.mu.Unlock()
}

// SetMaxFrame makes SendFrame reject frames larger than n bytes.
func (c *Channel) SetMaxFrame(n int) {
	c.mu.Lock()
	c.maxFrame = n
	c.mu.Unlock()
}

// Frames returns copies of every accepted frame in send order.
func (c *Channel) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// InputEnded reports whether EndInput succeeded.
func (c *Channel) InputEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputEnded
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Options returns the options the channel was opened with.
func (c *Channel) Options() recognition.Options {
	return c.opts
}

func (c *Channel) emitLocked(ev recognition.Event) bool {
	if c.outClosed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Channel) finishLocked(err error) {
	if c.outClosed {
		return
	}
	c.outClosed = true
	c.err = err
	close(c.events)
}

func (c *Channel) advanceLocked() {
	if len(c.script) == 0 {
		return
	}
	utt := c.script[c.utterance%len(c.script)]
	if c.partial < len(utt.Partials) {
		if !c.opts.PartialResults {
			c.partial++
			return
		}
		text := utt.Partials[c.partial]
		c.partial++
		c.emitLocked(recognition.Event{Results: []recognition.Result{c.resultLocked(text, true, nil)}})
		return
	}
	c.emitFinalLocked()
}

func (c *Channel) emitFinalLocked() {
	utt := c.script[c.utterance%len(c.script)]
	conf := utt.Confidence
	c.emitLocked(recognition.Event{Results: []recognition.Result{c.resultLocked(utt.Final, false, &conf)}})
	c.utterance++
	c.partial = 0
	c.segmentStart = c.elapsedLocked()
}

func (c *Channel) resultLocked(text string, partial bool, confidence *float64) recognition.Result {
	start := c.segmentStart
	end := c.elapsedLocked()

	words := strings.Fields(text)
	items := make([]recognition.Item, 0, len(words))
	step := 0.0
	if len(words) > 0 {
		step = (end - start) / float64(len(words))
	}
	for i, w := range words {
		item := recognition.Item{
			Content:   w,
			StartTime: start + float64(i)*step,
			EndTime:   start + float64(i+1)*step,
		}
		if confidence != nil {
			item.Confidence = recognition.PtrFloat(*confidence)
		}
		items = append(items, item)
	}

	return recognition.Result{
		ResultID:     "mock-" + strings.ReplaceAll(strings.ToLower(text), " ", "-"),
		IsPartial:    partial,
		StartTime:    recognition.PtrFloat(start),
		EndTime:      recognition.PtrFloat(end),
		Alternatives: []recognition.Alternative{{Transcript: text, Items: items}},
	}
}

func (c *Channel) elapsedLocked() float64 {
	rate := c.opts.SampleRateHz
	if rate <= 0 {
		rate = 16000
	}
	return float64(c.bytesIn) / float64(rate*2)
}
