// Package status carries human-readable reporter state to the hosting UI.
package status

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/delivery"
	"github.com/shaunagostinho/gpsreporter/internal/gps"
)

// Kind classifies a status message.
type Kind string

const (
	KindStarted             Kind = "started"
	KindStopped             Kind = "stopped"
	KindPositionUnavailable Kind = "position_unavailable"
	KindDelivered           Kind = "delivered"
	KindDeliveryFailed      Kind = "delivery_failed"
	KindPermissionMissing   Kind = "permission_missing"
	KindError               Kind = "error"
)

// Status is one message for the status sink.
type Status struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Code      int       `json:"code,omitempty"`      // HTTP status for delivery outcomes
	Source    string    `json:"source,omitempty"`    // push, poll or manual
	Transport string    `json:"transport,omitempty"` // primary or fallback
	Fix       *gps.Fix  `json:"fix,omitempty"`
	At        time.Time `json:"at"`
}

// Sink consumes status messages. Implementations must not block for long.
type Sink interface {
	Publish(Status)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Status)

func (f SinkFunc) Publish(s Status) { f(s) }

// Multi fans a status out to several sinks.
type Multi []Sink

func (m Multi) Publish(s Status) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(s)
		}
	}
}

// Discard drops every status.
var Discard Sink = SinkFunc(func(Status) {})

// LogSink writes every status to a zap logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

func (l *LogSink) Publish(s Status) {
	fields := []zap.Field{zap.String("kind", string(s.Kind))}
	if s.Code != 0 {
		fields = append(fields, zap.Int("code", s.Code))
	}
	if s.Source != "" {
		fields = append(fields, zap.String("source", s.Source))
	}
	switch s.Kind {
	case KindDeliveryFailed, KindPermissionMissing, KindError:
		l.log.Warn(s.Message, fields...)
	default:
		l.log.Info(s.Message, fields...)
	}
}

// Started is surfaced once the reporter is running.
func Started(now time.Time, interval time.Duration) Status {
	return Status{
		Kind:    KindStarted,
		Message: fmt.Sprintf("GPS reporting active, sending location every %d seconds", int(interval/time.Second)),
		At:      now,
	}
}

// Stopped is surfaced after teardown.
func Stopped(now time.Time, reason string) Status {
	msg := "GPS reporting stopped"
	if reason != "" {
		msg += ": " + reason
	}
	return Status{Kind: KindStopped, Message: msg, At: now}
}

// PositionUnavailable is surfaced when no fix could be read.
func PositionUnavailable(now time.Time, source string) Status {
	return Status{
		Kind:    KindPositionUnavailable,
		Message: "Location not available, make sure GPS is active",
		Source:  source,
		At:      now,
	}
}

// PermissionMissing is surfaced when the position source refuses access.
func PermissionMissing(now time.Time) Status {
	return Status{Kind: KindPermissionMissing, Message: "Location permission has not been granted", At: now}
}

// Error is surfaced for failures that have no dedicated kind.
func Error(now time.Time, err error) Status {
	return Status{Kind: KindError, Message: "Error: " + err.Error(), At: now}
}

// FromResult converts a delivery outcome.
func FromResult(now time.Time, res delivery.Result, source string) Status {
	fix := res.Fix
	s := Status{
		Code:      res.StatusCode,
		Source:    source,
		Transport: string(res.Transport),
		Fix:       &fix,
		At:        now,
	}
	if res.OK() {
		s.Kind = KindDelivered
		s.Message = "Location sent to server"
		if res.Transport == delivery.TransportFallback {
			s.Message += " (fallback)"
		}
		return s
	}
	s.Kind = KindDeliveryFailed
	if res.StatusCode != 0 {
		s.Message = fmt.Sprintf("Failed to send location: HTTP %d", res.StatusCode)
	} else {
		s.Message = "Failed to send location: " + res.Err.Error()
	}
	return s
}
