// Package wire defines the values that travel over a Port connection and
// the codec used to encode them.
//
// A request is the pair (identifier, kwargs). A response is a single value,
// which may be a normal return value or a CaughtFailure sentinel.
package wire

import "encoding/json"

// Request is what a Task sends after the handshake.
type Request struct {
	Identifier string         `json:"identifier"`
	Kwargs     map[string]any `json:"kwargs"`
}

// caughtFailureKind distinguishes the CaughtFailure sentinel from any user
// value on the wire.
const caughtFailureKind = "CaughtFailure"

// CaughtFailure is the wire-level sentinel an Agent sends in place of a
// return value when the invoked callable raised.
type CaughtFailure struct {
	Kind            string `json:"kind"`
	ExceptionRepr   string `json:"exception_repr"`
	TracebackText   string `json:"traceback_text"`
}

// NewCaughtFailure builds a tagged CaughtFailure value.
func NewCaughtFailure(exceptionRepr, tracebackText string) *CaughtFailure {
	return &CaughtFailure{
		Kind:          caughtFailureKind,
		ExceptionRepr: exceptionRepr,
		TracebackText: tracebackText,
	}
}

// IsCaughtFailure reports whether a decoded response is the CaughtFailure
// sentinel, and returns it if so.
func IsCaughtFailure(v any) (*CaughtFailure, bool) {
	switch t := v.(type) {
	case *CaughtFailure:
		return t, true
	case map[string]any:
		if kind, ok := t["kind"].(string); ok && kind == caughtFailureKind {
			cf := &CaughtFailure{Kind: caughtFailureKind}
			if s, ok := t["exception_repr"].(string); ok {
				cf.ExceptionRepr = s
			}
			if s, ok := t["traceback_text"].(string); ok {
				cf.TracebackText = s
			}
			return cf, true
		}
	}
	return nil, false
}

// Dumper is the opt-in argument/return serialization capability: a value
// that knows how to reduce itself to wire-safe state.
type Dumper interface {
	Dump() (map[string]any, error)
}

// Loader is the symmetric capability: a type that knows how to rebuild
// itself from wire-safe state.
type Loader interface {
	Load(state map[string]any) error
}

// Codec encodes and decodes the values that cross a Port. The zero value
// uses encoding/json, which round-trips the data model required by spec
// §4.1 (ints/floats/strings/bytes/lists/maps) via standard JSON types, with
// []byte transparently base64-encoded by encoding/json itself.
type Codec struct{}

// JSON is the default, and currently only, codec implementation.
var JSON = Codec{}

// Encode renders v as the wire payload bytes for one frame.
func (Codec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode parses one frame's payload into a generic value. Callers that need
// a concrete type should re-unmarshal the Request/value themselves; Decode
// into `any` is used for the generic "read whatever the peer sent" path.
func (Codec) Decode(payload []byte, out any) error {
	return json.Unmarshal(payload, out)
}

// ApplyDump replaces any argument in kwargs that implements Dumper with its
// dumped form, per the "Argument dump" hook.
func ApplyDump(kwargs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		if d, ok := v.(Dumper); ok {
			state, err := d.Dump()
			if err != nil {
				return nil, err
			}
			out[k] = state
			continue
		}
		out[k] = v
	}
	return out, nil
}

// ApplyLoad transforms raw into dst if dst implements Loader and raw decodes
// into the map[string]any state shape; otherwise it's a no-op and the raw
// value should be used directly.
func ApplyLoad(dst Loader, raw any) error {
	state, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	return dst.Load(state)
}
