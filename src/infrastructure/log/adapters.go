package log

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-logr/logr"
)

// WatermillAdapter routes watermill router and pub/sub logs through logr.
type WatermillAdapter struct {
	l logr.Logger
}

var _ watermill.LoggerAdapter = (*WatermillAdapter)(nil)

// NewWatermillAdapter wraps l. Trace messages are logged at V(2), debug at V(1).
func NewWatermillAdapter(l logr.Logger) *WatermillAdapter {
	return &WatermillAdapter{l: l}
}

func (a *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.l.Error(err, msg, flatten(fields)...)
}

func (a *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.l.Info(msg, flatten(fields)...)
}

func (a *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.l.V(1).Info(msg, flatten(fields)...)
}

func (a *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.l.V(2).Info(msg, flatten(fields)...)
}

func (a *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillAdapter{l: a.l.WithValues(flatten(fields)...)}
}

func flatten(fields watermill.LogFields) []interface{} {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}

// BadgerAdapter satisfies badger.Logger.
type BadgerAdapter struct {
	l logr.Logger
}

func NewBadgerAdapter(l logr.Logger) *BadgerAdapter {
	return &BadgerAdapter{l: l}
}

func (a *BadgerAdapter) Errorf(format string, args ...interface{}) {
	a.l.Error(nil, fmt.Sprintf(format, args...))
}

func (a *BadgerAdapter) Warningf(format string, args ...interface{}) {
	a.l.Info(fmt.Sprintf(format, args...), "level", "warning")
}

func (a *BadgerAdapter) Infof(format string, args ...interface{}) {
	a.l.V(1).Info(fmt.Sprintf(format, args...))
}

func (a *BadgerAdapter) Debugf(format string, args ...interface{}) {
	a.l.V(2).Info(fmt.Sprintf(format, args...))
}
