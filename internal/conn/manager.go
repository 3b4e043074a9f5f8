// Package conn multiplexes correlated request/response pairs and unsolicited
// push events over one websocket, next to a pooled REST transport.
package conn

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"acctsync/internal/core"
	"acctsync/internal/queue"
)

const (
	defaultHTTPTimeout      = 15 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

type Options struct {
	RestBaseURL      string
	WSURL            string
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
	// Keepalive is the ping interval. Zero disables pings and read deadlines.
	Keepalive time.Duration
	Header    http.Header
	Logger    *logrus.Entry
}

// Request is one outgoing message on the push socket.
type Request struct {
	Method string
	Params map[string]interface{}
}

type wireRequest struct {
	ID     int64                  `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type result struct {
	data json.RawMessage
	err  error
}

// Manager is safe for concurrent use. The REST transport works without a
// socket; the socket is opened by Connect and may be reopened after Close.
type Manager struct {
	opts Options
	rest *resty.Client
	log  *logrus.Entry

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan result

	mu   sync.Mutex
	sess *session
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  *queue.Queue[[]byte]
	done    chan struct{}
	stop    chan struct{}
	closing atomic.Bool
	once    sync.Once

	errMu sync.Mutex
	err   error
}

func New(opts Options) *Manager {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "conn")
	}
	rest := resty.New().
		SetBaseURL(strings.TrimRight(opts.RestBaseURL, "/")).
		SetTimeout(opts.HTTPTimeout)
	return &Manager{
		opts:    opts,
		rest:    rest,
		log:     log,
		pending: make(map[int64]chan result),
	}
}

// Connect opens the push socket and starts its listener. Calling Connect on
// an open manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil && !m.sess.finished() {
		return nil
	}
	if m.opts.WSURL == "" {
		return errors.Wrap(core.ErrConnection, "ws url required")
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.opts.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, m.opts.WSURL, m.opts.Header)
	if err != nil {
		return errors.Wrapf(core.ErrConnection, "dial %s: %v", m.opts.WSURL, err)
	}
	s := &session{
		conn:   ws,
		events: queue.New[[]byte](),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	if m.opts.Keepalive > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(m.readTimeout()))
		})
	}
	m.sess = s
	go m.listen(s)
	if m.opts.Keepalive > 0 {
		go m.keepalive(s)
	}
	m.log.WithField("url", m.opts.WSURL).Info("push socket connected")
	return nil
}

// Connected reports whether a push socket is open.
func (m *Manager) Connected() bool {
	s := m.current()
	return s != nil && !s.finished()
}

// Send transmits req under a fresh correlation id and returns without
// waiting for the response. Collect it with Await.
func (m *Manager) Send(ctx context.Context, req Request) (int64, error) {
	s := m.current()
	if s == nil || s.finished() {
		return 0, errors.Wrap(core.ErrConnectionClosed, "send "+req.Method)
	}
	id := m.nextID.Add(1)
	slot := make(chan result, 1)
	m.pendingMu.Lock()
	m.pending[id] = slot
	m.pendingMu.Unlock()

	payload, err := json.Marshal(wireRequest{ID: id, Method: req.Method, Params: req.Params})
	if err != nil {
		m.dropPending(id)
		return 0, errors.Wrap(err, "encode request")
	}
	if err := s.write(ctx, payload); err != nil {
		m.dropPending(id)
		return 0, errors.Wrapf(core.ErrConnection, "write %s: %v", req.Method, err)
	}
	return id, nil
}

// Await blocks until the response for id arrives, the session ends, or ctx
// is done. The returned message is the full response frame.
func (m *Manager) Await(ctx context.Context, id int64) (json.RawMessage, error) {
	m.pendingMu.Lock()
	slot, ok := m.pending[id]
	m.pendingMu.Unlock()
	if !ok {
		// Slots are discarded when their session ends.
		return nil, errors.Wrapf(core.ErrConnectionClosed, "request %d not pending", id)
	}
	select {
	case res := <-slot:
		m.dropPending(id)
		return res.data, res.err
	case <-ctx.Done():
		m.dropPending(id)
		return nil, ctx.Err()
	}
}

// Call sends req and waits for its response.
func (m *Manager) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	id, err := m.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.Await(ctx, id)
}

// NextEvent returns the next unsolicited message in arrival order. Once the
// session has ended and its queue is drained it returns ErrConnectionClosed
// for an orderly close, or an error wrapping ErrConnection otherwise.
func (m *Manager) NextEvent(ctx context.Context) ([]byte, error) {
	s := m.current()
	if s == nil {
		return nil, core.ErrConnectionClosed
	}
	msg, err := s.events.Pop(ctx)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, queue.ErrClosed) {
		return nil, s.terminalErr()
	}
	return nil, err
}

// Close ends the push session. Pending requests fail with
// ErrConnectionClosed. It is safe to call more than once.
func (m *Manager) Close() error {
	s := m.current()
	if s == nil {
		return nil
	}
	s.closing.Store(true)
	s.once.Do(func() { close(s.stop) })
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = s.conn.Close()
	<-s.done
	return nil
}

func (m *Manager) current() *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *Manager) listen(s *session) {
	defer close(s.done)
	var readErr error
	for {
		if m.opts.Keepalive > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(m.readTimeout()))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		if id, ok := responseID(data); ok && m.resolve(id, data) {
			continue
		}
		s.events.Push(data)
	}

	terminal := core.ErrConnectionClosed
	if !s.closing.Load() && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		terminal = errors.Wrapf(core.ErrConnection, "read: %v", readErr)
		m.log.WithError(readErr).Warn("push socket failed")
	} else {
		m.log.Info("push socket closed")
	}
	s.setErr(terminal)
	s.once.Do(func() { close(s.stop) })
	_ = s.conn.Close()
	m.failPending(terminal)
	s.events.Close()
}

func (m *Manager) keepalive(s *session) {
	ticker := time.NewTicker(m.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				m.log.WithError(err).Warn("push socket ping failed")
				_ = s.conn.Close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (m *Manager) readTimeout() time.Duration {
	timeout := m.opts.Keepalive * 3
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return timeout
}

func (m *Manager) resolve(id int64, data []byte) bool {
	m.pendingMu.Lock()
	slot, ok := m.pending[id]
	m.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case slot <- result{data: append(json.RawMessage(nil), data...)}:
	default:
	}
	return true
}

func (m *Manager) failPending(err error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for id, slot := range m.pending {
		select {
		case slot <- result{err: err}:
		default:
		}
		delete(m.pending, id)
	}
}

func (m *Manager) dropPending(id int64) {
	m.pendingMu.Lock()
	delete(m.pending, id)
	m.pendingMu.Unlock()
}

func (s *session) write(ctx context.Context, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *session) terminalErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		return core.ErrConnectionClosed
	}
	return s.err
}

// responseID extracts an integer correlation id from a response frame.
func responseID(data []byte) (int64, bool) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || len(probe.ID) == 0 {
		return 0, false
	}
	raw := strings.Trim(string(probe.ID), `"`)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
