package transcription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ResultStream delivers a session's responses in the order the provider
// produced them. It stops after an error response, when the event pump has
// finished and the queue is drained, when the session is no longer
// registered, or while the manager is cleaning up all sessions.
//
// Next is meant for a single consumer goroutine. When the stream stops it
// ends its session.
type ResultStream struct {
	manager   *Manager
	session   *Session
	queueWait time.Duration

	stopped  atomic.Bool
	stopOnce sync.Once
}

func newResultStream(m *Manager, s *Session) *ResultStream {
	return &ResultStream{
		manager:   m,
		session:   s,
		queueWait: m.timings.QueueWait,
	}
}

// SessionID returns the id of the session this stream belongs to.
func (r *ResultStream) SessionID() string {
	return r.session.id
}

// Next returns the next response, or false once the stream has stopped.
// Cancelling ctx stops the stream.
func (r *ResultStream) Next(ctx context.Context) (Response, bool) {
	if r.stopped.Load() {
		r.Close()
		return Response{}, false
	}

	for {
		if r.manager.ShuttingDown() || !r.manager.owns(r.session) {
			r.Close()
			return Response{}, false
		}

		select {
		case <-r.session.pumpDone:
			select {
			case resp := <-r.session.queue:
				return r.yield(resp)
			default:
				r.Close()
				return Response{}, false
			}
		default:
		}

		timer := time.NewTimer(r.queueWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.Close()
			return Response{}, false
		case resp := <-r.session.queue:
			timer.Stop()
			return r.yield(resp)
		case <-timer.C:
		}
	}
}

func (r *ResultStream) yield(resp Response) (Response, bool) {
	if !r.manager.owns(r.session) {
		r.Close()
		return Response{}, false
	}

	r.session.metrics.RecordResult(resp.Status.String())
	if resp.Status == StatusError {
		r.stopped.Store(true)
	}
	return resp, true
}

// Close stops the stream and ends its session. It is safe to call more than
// once.
func (r *ResultStream) Close() {
	r.stopped.Store(true)
	r.stopOnce.Do(func() {
		r.manager.End(context.Background(), r.session.id)
	})
}
