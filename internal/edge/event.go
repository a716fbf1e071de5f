package edge

import (
	"encoding/json"
	"fmt"
)

// Event is the trigger payload the CDN hands to an edge function.
type Event struct {
	Request Request `json:"request"`
}

// ParseEvent decodes a viewer-request event. A missing header map decodes to
// an empty one.
func ParseEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("decode edge event: %w", err)
	}
	if ev.Request.Headers == nil {
		ev.Request.Headers = Headers{}
	}
	return ev, nil
}

// MarshalResult encodes whichever of the request or response the result carries.
func MarshalResult(res Result) ([]byte, error) {
	if res.Response != nil {
		return json.Marshal(res.Response)
	}
	return json.Marshal(res.Request)
}

// EvaluateAuth runs f against an encoded event and returns the encoded result.
func EvaluateAuth(f *Filter, event []byte) ([]byte, Result, error) {
	ev, err := ParseEvent(event)
	if err != nil {
		return nil, Result{}, err
	}
	res := f.Process(ev.Request)
	out, err := MarshalResult(res)
	return out, res, err
}

// EvaluateRUM runs NormalizeRUM against an encoded event.
func EvaluateRUM(event []byte) ([]byte, error) {
	ev, err := ParseEvent(event)
	if err != nil {
		return nil, err
	}
	req := NormalizeRUM(ev.Request)
	return json.Marshal(&req)
}
