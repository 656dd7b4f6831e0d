// Package qlog writes a structured trace of connection events as
// newline-delimited JSON, one envelope per event.
package qlog

import (
	"io"
	"sync"
	"time"

	"github.com/francoispqt/gojay"
)

// An Event is the payload of one trace record.
type Event interface {
	gojay.MarshalerJSONObject
	Name() string
}

// A Tracer serializes events to a writer. A nil Tracer discards everything,
// so callers never need to guard trace calls.
type Tracer struct {
	mu        sync.Mutex
	w         io.Writer
	reference time.Time
}

// NewTracer returns a Tracer writing NDJSON to w.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w, reference: time.Now()}
}

// Trace records one event. Serialization errors are swallowed: tracing
// must never interfere with the connection.
func (t *Tracer) Trace(ev Event) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	env := &envelope{
		relativeTime: time.Since(t.reference),
		name:         ev.Name(),
		data:         ev,
	}
	enc := gojay.BorrowEncoder(t.w)
	defer enc.Release()
	if err := enc.EncodeObject(env); err != nil {
		return
	}
	_, _ = t.w.Write([]byte{'\n'})
}

type envelope struct {
	relativeTime time.Duration
	name         string
	data         Event
}

func (e *envelope) MarshalJSONObject(enc *gojay.Encoder) {
	enc.FloatKey("time", float64(e.relativeTime.Nanoseconds())/1e6)
	enc.StringKey("name", e.name)
	enc.ObjectKey("data", e.data)
}

func (e *envelope) IsNil() bool { return e == nil }
