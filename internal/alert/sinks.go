package alert

import (
	"github.com/sirupsen/logrus"
)

// LogAlerter writes every alert as a structured warning.
type LogAlerter struct {
	Entry *logrus.Entry
}

func NewLogAlerter(entry *logrus.Entry) *LogAlerter {
	if entry == nil {
		entry = alertLog
	}
	return &LogAlerter{Entry: entry}
}

func (l *LogAlerter) Important(event string, fields map[string]string) {
	if l == nil {
		return
	}
	entry := l.Entry
	if entry == nil {
		entry = alertLog
	}
	f := make(logrus.Fields, len(fields)+1)
	for k, v := range fields {
		f[k] = v
	}
	f["event"] = event
	entry.WithFields(f).Warn("important")
}

// Multi fans an alert out to every non-nil sink.
type Multi []Alerter

func (m Multi) Important(event string, fields map[string]string) {
	for _, a := range m {
		if a == nil {
			continue
		}
		a.Important(event, fields)
	}
}
