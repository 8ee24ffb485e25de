// Package ipc implements the daemon's control protocol: newline-delimited
// JSON over a local unix socket. Requests carry an integer id and a typed
// method object; responses carry an Ok payload or a coded error; events
// are unsolicited and flow only to subscribed clients.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Error codes surfaced in Err results.
const (
	CodeInvalidArgument = 400
	CodeNotFound        = 404
	CodeTimeout         = 408
	CodeInternal        = 500
	CodeUnavailable     = 503
)

// Request is the client-to-daemon envelope. Method is kept raw so the
// dispatcher can decode it into the right params struct.
type Request struct {
	ID     uint64          `json:"id"`
	Method json.RawMessage `json:"method"`
}

// MethodType extracts the method's type tag.
func (r Request) MethodType() (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(r.Method, &probe); err != nil {
		return "", fmt.Errorf("decode method: %w", err)
	}
	if probe.Type == "" {
		return "", fmt.Errorf("method has no type")
	}
	return probe.Type, nil
}

// DecodeParams decodes the method object into a params struct.
func (r Request) DecodeParams(into any) error {
	if err := json.Unmarshal(r.Method, into); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// ErrorInfo is the error half of a result.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements error.
func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Result is either Ok with a payload or Err with error info. When decoded
// from the wire, Ok holds a json.RawMessage.
type Result struct {
	Ok  any
	Err *ErrorInfo
}

// MarshalJSON emits {"Ok": ...} or {"Err": ...}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(map[string]any{"Err": r.Err})
	}
	ok := r.Ok
	if ok == nil {
		ok = map[string]any{}
	}
	return json.Marshal(map[string]any{"Ok": ok})
}

// UnmarshalJSON reads either variant.
func (r *Result) UnmarshalJSON(data []byte) error {
	var probe struct {
		Ok  json.RawMessage `json:"Ok"`
		Err *ErrorInfo      `json:"Err"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Err != nil {
		r.Err = probe.Err
		return nil
	}
	r.Ok = probe.Ok
	return nil
}

// Response is the daemon-to-client envelope.
type Response struct {
	ID     uint64 `json:"id"`
	Result Result `json:"result"`
}

// Ok builds a success response.
func Ok(id uint64, payload any) Response {
	return Response{ID: id, Result: Result{Ok: payload}}
}

// Err builds an error response.
func Err(id uint64, code int, format string, args ...any) Response {
	return Response{ID: id, Result: Result{Err: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}}
}

// EventEnvelope wraps an event payload on the wire.
type EventEnvelope struct {
	Event json.RawMessage `json:"event"`
}

// MarshalEvent wraps a typed event payload into its wire envelope.
func MarshalEvent(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventEnvelope{Event: raw})
}

// EventType extracts the type tag from a raw event payload.
func EventType(raw json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Type
}
