package ingest

import (
	"errors"
	"fmt"
	"io"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"

	"github.com/getsentry/threadprof/internal/hostenv"
	"github.com/getsentry/threadprof/internal/method"
)

type EventType string

const (
	MethodEntry             EventType = "method_entry"
	MethodExit              EventType = "method_exit"
	StackSample             EventType = "stack_sample"
	ThreadStart             EventType = "thread_start"
	ThreadEnd               EventType = "thread_end"
	MonitorContendedEnter   EventType = "monitor_contended_enter"
	MonitorContendedEntered EventType = "monitor_contended_entered"
	MonitorWait             EventType = "monitor_wait"
	MonitorWaited           EventType = "monitor_waited"
	DefineMethod            EventType = "define_method"
	GCStart                 EventType = "gc_start"
	GCFinish                EventType = "gc_finish"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidEvent     = errors.New("invalid event")
)

type (
	// Event is one runtime callback, as streamed or recorded.
	Event struct {
		Type   EventType      `json:"type"`
		Thread hostenv.Thread `json:"thread"`

		Class  string `json:"class,omitempty"`
		Method string `json:"method,omitempty"`
		// DurationNS is nil when the entry of the call wasn't timed.
		DurationNS *int64 `json:"duration_ns,omitempty"`

		CPUTimeNS int64           `json:"cpu_time_ns,omitempty"`
		State     string          `json:"state,omitempty"`
		Frames    []method.Handle `json:"frames,omitempty"`

		Handle         method.Handle `json:"handle,omitempty"`
		ClassSignature string        `json:"class_signature,omitempty"`

		Object    string `json:"object,omitempty"`
		TimeoutNS int64  `json:"timeout_ns,omitempty"`
		TimedOut  bool   `json:"timed_out,omitempty"`
	}

	Recording struct {
		Events []Event `json:"events"`
	}
)

func (e Event) validate() error {
	switch e.Type {
	case MethodEntry, MethodExit:
		if e.Class == "" || e.Method == "" {
			return fmt.Errorf("%w: %s without class or method", ErrInvalidEvent, e.Type)
		}
	case DefineMethod:
		if e.Handle == 0 || e.ClassSignature == "" || e.Method == "" {
			return fmt.Errorf("%w: %s without handle, class signature or method", ErrInvalidEvent, e.Type)
		}
	case StackSample, ThreadStart, ThreadEnd,
		MonitorContendedEnter, MonitorContendedEntered, MonitorWait, MonitorWaited,
		GCStart, GCFinish:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	return nil
}

func (e Event) timeout() time.Duration {
	return time.Duration(e.TimeoutNS)
}

func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := gojson.Unmarshal(b, &e); err != nil {
		return Event{}, err
	}
	return e, e.validate()
}

// DecodeEvents reads a JSON array of events.
func DecodeEvents(r io.Reader) ([]Event, error) {
	var events []Event
	if err := gojson.NewDecoder(r).Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadRecording reads an lz4 compressed recording.
func ReadRecording(r io.Reader) (Recording, error) {
	var rec Recording
	if err := gojson.NewDecoder(lz4.NewReader(r)).Decode(&rec); err != nil {
		return Recording{}, err
	}
	return rec, nil
}

func WriteRecording(w io.Writer, rec Recording) error {
	zw := lz4.NewWriter(w)
	if err := gojson.NewEncoder(zw).Encode(rec); err != nil {
		return err
	}
	return zw.Close()
}
