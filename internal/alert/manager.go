package alert

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter receives reportable conditions. Implementations must not block.
type Alerter interface {
	Important(event string, fields map[string]string)
}

var alertLog = logrus.WithField("component", "alert")

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// RepeatWindow suppresses an event name for this long after it was
	// forwarded. The next forwarded alert of that name carries the count.
	RepeatWindow time.Duration
	Now          func() time.Time
}

// Manager forwards alerts to a Notifier from a bounded queue. Alerts that do
// not fit are dropped and counted.
type Manager struct {
	mode                 string
	account              string
	notifier             Notifier
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool

	repeatWindow time.Duration
	now          func() time.Time
	repeatMu     sync.Mutex
	repeats      map[string]*repeatState
}

type repeatState struct {
	lastSent   time.Time
	suppressed int
}

type alertEvent struct {
	event  string
	fields map[string]string
}

func NewManager(mode, account string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, account, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, account string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		mode:               mode,
		account:            account,
		notifier:           notifier,
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
		repeatWindow:       opts.RepeatWindow,
		now:                now,
		repeats:            make(map[string]*repeatState),
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	fields, ok := m.throttle(event, fields)
	if !ok {
		return
	}
	ev := alertEvent{
		event:  event,
		fields: fields,
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// First drop in a window is logged at once; the rest go into the periodic summary.
		if droppedInWindow == 1 {
			alertLog.WithFields(logrus.Fields{
				"event":         "alert_queue_dropped",
				"target_event":  event,
				"reason":        "queue_full",
				"dropped_total": droppedTotal,
				"queue_len":     len(m.queue),
				"queue_cap":     cap(m.queue),
			}).Warn("alert dropped")
		}
	}
}

// throttle returns the fields to forward, or false while event is inside its
// repeat window.
func (m *Manager) throttle(event string, fields map[string]string) (map[string]string, bool) {
	out := cloneFields(fields)
	if m.repeatWindow <= 0 {
		return out, true
	}
	now := m.now()
	m.repeatMu.Lock()
	defer m.repeatMu.Unlock()
	st := m.repeats[event]
	if st == nil {
		m.repeats[event] = &repeatState{lastSent: now}
		return out, true
	}
	if now.Sub(st.lastSent) < m.repeatWindow {
		st.suppressed++
		return nil, false
	}
	if st.suppressed > 0 {
		if out == nil {
			out = make(map[string]string, 1)
		}
		out["suppressed_repeats"] = strconv.Itoa(st.suppressed)
	}
	st.lastSent = now
	st.suppressed = 0
	return out, true
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	droppedTotal := atomic.LoadUint64(&m.droppedTotal)
	alertLog.WithFields(logrus.Fields{
		"event":               "alert_queue_dropped_report",
		"dropped_since_last":  dropped,
		"dropped_total":       droppedTotal,
		"report_interval_sec": int64(m.dropReportInterval / time.Second),
		"queue_len":           len(m.queue),
		"queue_cap":           cap(m.queue),
	}).Warn("alerts dropped since last report")
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev alertEvent) {
	msg := m.buildMessage(ev.event, ev.fields)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		alertLog.WithError(err).WithField("target_event", ev.event).Error("alert notify failed")
	}
}

func (m *Manager) buildMessage(event string, fields map[string]string) string {
	lines := []string{
		"[acctsync] important",
		"time: " + time.Now().UTC().Format(time.RFC3339),
		"mode: " + m.mode,
		"account: " + m.account,
		"event: " + event,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
