package sim

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"acctsync/internal/core"
	"acctsync/internal/queue"
)

// Stream delivers the exchange's events while connected. Events published
// while disconnected are lost, as on a real push socket.
type Stream struct {
	mu sync.Mutex
	q  *queue.Queue[[]byte]
}

func newStream() *Stream {
	return &Stream{}
}

func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil || s.q.Closed() {
		s.q = queue.New[[]byte]()
	}
	return nil
}

func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q != nil && !s.q.Closed()
}

// Close ends the session. Queued events are still delivered before
// NextEvent reports ErrConnectionClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q != nil {
		q.Close()
	}
	return nil
}

func (s *Stream) NextEvent(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return nil, core.ErrConnectionClosed
	}
	msg, err := q.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, core.ErrConnectionClosed
	}
	return msg, err
}

func (s *Stream) publish(ev core.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		simLog.WithError(err).Warn("encode sim event")
		return
	}
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q != nil {
		q.Push(data)
	}
}
