// Package event defines the wire envelope routed between handlers and the
// contract declarations that bind handlers to the event types they accept
// and emit.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is stamped on every envelope this runtime produces.
const SpecVersion = "1.0"

// ErrorSuffix marks system-error reply event types.
const ErrorSuffix = ".error"

// TraceHeaders carries W3C trace context across event hops.
type TraceHeaders struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// Event is the immutable envelope routed between handlers. Fields beyond
// the ones this runtime consumes are preserved verbatim in Extensions and
// round-trip through JSON untouched.
type Event struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Type           string         `json:"type"`
	Subject        string         `json:"subject"`
	ParentID       string         `json:"parentId,omitempty"`
	To             string         `json:"to,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	TraceHeaders   TraceHeaders   `json:"traceHeaders"`
	DataSchema     string         `json:"dataschema,omitempty"`
	Time           time.Time      `json:"time"`
	SpecVersion    string         `json:"specversion"`
	ExecutionUnits int            `json:"executionunits,omitempty"`

	// Extensions holds envelope fields this runtime does not consume.
	Extensions map[string]any `json:"-"`
}

// New creates an envelope with a fresh id and timestamp.
func New(source, typ, subject string, data map[string]any) Event {
	return Event{
		ID:          uuid.New().String(),
		Source:      source,
		Type:        typ,
		Subject:     subject,
		Data:        data,
		Time:        time.Now().UTC(),
		SpecVersion: SpecVersion,
	}
}

// Reply creates an envelope caused by parent: same subject, parentId set,
// routed back to the parent's source. Trace headers propagate.
func Reply(parent Event, source, typ string, data map[string]any) Event {
	evt := New(source, typ, parent.Subject, data)
	evt.ParentID = parent.ID
	evt.To = parent.Source
	evt.TraceHeaders = parent.TraceHeaders
	return evt
}

// IsError reports whether the event carries a system-error reply type.
func (e Event) IsError() bool {
	return strings.HasSuffix(e.Type, ErrorSuffix)
}

// ErrorData is the payload of a system-error reply event.
type ErrorData struct {
	ErrorName    string `json:"errorName"`
	ErrorMessage string `json:"errorMessage"`
	ErrorStack   string `json:"errorStack,omitempty"`
}

// NewError creates the system-error reply for a failed event.
func NewError(parent Event, source string, errName, errMessage, errStack string) Event {
	return Reply(parent, source, parent.Type+ErrorSuffix, map[string]any{
		"errorName":    errName,
		"errorMessage": errMessage,
		"errorStack":   errStack,
	})
}

// knownFields lists the envelope fields consumed by this runtime; anything
// else is an extension and passes through unchanged.
var knownFields = map[string]bool{
	"id": true, "source": true, "type": true, "subject": true,
	"parentId": true, "to": true, "domain": true, "data": true,
	"traceHeaders": true, "dataschema": true, "time": true,
	"specversion": true, "executionunits": true,
}

// envelope mirrors Event for JSON (without Extensions).
type envelope struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Type           string         `json:"type"`
	Subject        string         `json:"subject"`
	ParentID       string         `json:"parentId,omitempty"`
	To             string         `json:"to,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	TraceHeaders   *TraceHeaders  `json:"traceHeaders,omitempty"`
	DataSchema     string         `json:"dataschema,omitempty"`
	Time           time.Time      `json:"time"`
	SpecVersion    string         `json:"specversion"`
	ExecutionUnits int            `json:"executionunits,omitempty"`
}

// MarshalJSON merges the known fields with preserved extensions.
func (e Event) MarshalJSON() ([]byte, error) {
	env := envelope{
		ID: e.ID, Source: e.Source, Type: e.Type, Subject: e.Subject,
		ParentID: e.ParentID, To: e.To, Domain: e.Domain, Data: e.Data,
		DataSchema: e.DataSchema, Time: e.Time, SpecVersion: e.SpecVersion,
		ExecutionUnits: e.ExecutionUnits,
	}
	if e.TraceHeaders != (TraceHeaders{}) {
		th := e.TraceHeaders
		env.TraceHeaders = &th
	}
	base, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(e.Extensions) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extensions {
		if knownFields[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extensions.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*e = Event{
		ID: env.ID, Source: env.Source, Type: env.Type, Subject: env.Subject,
		ParentID: env.ParentID, To: env.To, Domain: env.Domain, Data: env.Data,
		DataSchema: env.DataSchema, Time: env.Time, SpecVersion: env.SpecVersion,
		ExecutionUnits: env.ExecutionUnits,
	}
	if env.TraceHeaders != nil {
		e.TraceHeaders = *env.TraceHeaders
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, raw := range all {
		if knownFields[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if e.Extensions == nil {
			e.Extensions = make(map[string]any)
		}
		e.Extensions[k] = v
	}
	return nil
}
