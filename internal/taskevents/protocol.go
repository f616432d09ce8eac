// Package taskevents implements the per-task event channel: a WebSocket
// subscription that streams log, progress, status and terminal events of a
// long-running operation, with heartbeat, bounded reconnect and fan-out to
// several observers.
package taskevents

import (
	"strings"
	"time"
)

// EventType is the closed set of frames a task channel carries.
type EventType string

const (
	EventLog      EventType = "log"
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventPong     EventType = "pong"
	EventHistory  EventType = "history"
)

// ParseEventType reports whether s names a known frame type.
func ParseEventType(s string) (EventType, bool) {
	switch t := EventType(strings.ToLower(strings.TrimSpace(s))); t {
	case EventLog, EventProgress, EventStatus, EventComplete, EventError, EventPong, EventHistory:
		return t, true
	default:
		return "", false
	}
}

// LogLevel is the severity of a log frame.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// ParseLogLevel maps a level string; unknown levels become info.
func ParseLogLevel(s string) LogLevel {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelInfo, LevelWarning, LevelError:
		return l
	case "warn":
		return LevelWarning
	default:
		return LevelInfo
	}
}

// UnmarshalText applies the info fallback when decoding.
func (l *LogLevel) UnmarshalText(b []byte) error {
	*l = ParseLogLevel(string(b))
	return nil
}

// CodeUnknownTask is carried by error frames for task ids the server does not know.
const CodeUnknownTask = "unknown_task"

// Event is one frame received on a task channel. Fields are populated
// according to Type.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// log
	Level LogLevel `json:"level,omitempty"`

	// log, progress, status, complete, error
	Message string `json:"message,omitempty"`

	// progress
	Current    int64   `json:"current,omitempty"`
	Total      int64   `json:"total,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`

	// progress, status
	Status string `json:"status,omitempty"`

	// error
	Code string `json:"code,omitempty"`

	// history
	Entries []Event `json:"entries,omitempty"`
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// UnknownTask reports whether the frame rejects the subscribed task id.
func (e Event) UnknownTask() bool {
	return e.Type == EventError && e.Code == CodeUnknownTask
}

// Client control message types.
const (
	ControlPing           = "ping"
	ControlRequestHistory = "request_history"
)

// ControlMessage is sent by the client over the channel.
type ControlMessage struct {
	Type      string     `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	FromTime  *time.Time `json:"from_time,omitempty"`
	ToTime    *time.Time `json:"to_time,omitempty"`
}

// Ping builds a heartbeat message.
func Ping(now time.Time) ControlMessage {
	return ControlMessage{Type: ControlPing, Timestamp: now}
}

// RequestHistory asks the server for buffered events between from and to.
func RequestHistory(from, to time.Time) ControlMessage {
	return ControlMessage{Type: ControlRequestHistory, Timestamp: to, FromTime: &from, ToTime: &to}
}
