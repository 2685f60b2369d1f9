// Package events carries upload lifecycle notifications from the uploader to
// whoever is interested: the log, a Kafka topic, the local ledger.
//
// For one upload the uploader emits upload.started, then upload.session_opened
// when it goes multipart, then one upload.part per part, then exactly one of
// upload.completed or upload.failed.
package events

import (
	"context"
	"sync"
	"time"
)

// Type names an upload event.
type Type string

// Event types.
const (
	TypeUploadStarted       Type = "upload.started"
	TypeUploadSessionOpened Type = "upload.session_opened"
	TypeUploadPart          Type = "upload.part"
	TypeUploadCompleted     Type = "upload.completed"
	TypeUploadFailed        Type = "upload.failed"
)

// Terminal reports whether no further events follow for the upload.
func (t Type) Terminal() bool {
	return t == TypeUploadCompleted || t == TypeUploadFailed
}

// Event is a single upload notification.
type Event struct {
	Type       Type      `json:"type" msgpack:"type"`
	Key        string    `json:"key" msgpack:"key"`
	Bucket     string    `json:"bucket,omitempty" msgpack:"bucket,omitempty"`
	Strategy   string    `json:"strategy,omitempty" msgpack:"strategy,omitempty"`
	UploadID   string    `json:"upload_id,omitempty" msgpack:"upload_id,omitempty"`
	PartNumber int       `json:"part_number,omitempty" msgpack:"part_number,omitempty"`
	ETag       string    `json:"etag,omitempty" msgpack:"etag,omitempty"`
	Bytes      int64     `json:"bytes,omitempty" msgpack:"bytes,omitempty"`
	Parts      int       `json:"parts,omitempty" msgpack:"parts,omitempty"`
	TotalBytes int64     `json:"total_bytes" msgpack:"total_bytes"`
	Offset     int64     `json:"offset,omitempty" msgpack:"offset,omitempty"`
	Cleanup    string    `json:"cleanup,omitempty" msgpack:"cleanup,omitempty"`
	Error      string    `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Observer receives events. Observe must be safe for concurrent use and must
// not block the upload for long; delivery failures are the observer's own
// concern.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

type nop struct{}

func (nop) Observe(context.Context, Event) {}

// Nop discards events.
var Nop Observer = nop{}

// Multi fans an event out to every observer in order.
func Multi(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return Nop
	case 1:
		return list[0]
	}
	return multi(list)
}

type multi []Observer

func (m multi) Observe(ctx context.Context, ev Event) {
	for _, o := range m {
		o.Observe(ctx, ev)
	}
}

// Recorder keeps every event it sees. It is used by tests and by the control
// surface to report the last upload.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer.
func (r *Recorder) Observe(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Last returns the most recent event, if any.
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}
