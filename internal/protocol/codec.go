// Package protocol decodes client messages of the form "ACTION {json-object}".
//
// The codec is pure: it holds no state and is safe for concurrent use.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrNoSeparator is returned when a message has no space between action and payload.
	ErrNoSeparator = errors.New("protocol: missing space between action and payload")
	// ErrInvalidJSON is returned when the payload is not well-formed JSON.
	ErrInvalidJSON = errors.New("protocol: payload is not valid JSON")
	// ErrNotObject is returned when the payload is valid JSON but not an object.
	ErrNotObject = errors.New("protocol: payload is not a JSON object")
)

// Payload maps keys to scalar values: float64, string, bool or nil.
type Payload map[string]any

// ActionMessage is one decoded client message.
type ActionMessage struct {
	Action  string
	Payload Payload
}

// Decode splits raw at the first space and parses the remainder as a JSON object.
// Object or array members are skipped; the payload only carries scalars.
// Duplicate keys resolve to the last occurrence.
//
// Postcondition: Returns the decoded message, or an error wrapping one of
// ErrNoSeparator, ErrInvalidJSON or ErrNotObject.
func Decode(raw []byte) (ActionMessage, error) {
	idx := bytes.IndexByte(raw, ' ')
	if idx < 0 {
		return ActionMessage{}, ErrNoSeparator
	}

	action := string(raw[:idx])
	body := bytes.TrimSpace(raw[idx+1:])
	if !gjson.ValidBytes(body) {
		return ActionMessage{}, fmt.Errorf("decoding %q: %w", action, ErrInvalidJSON)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return ActionMessage{}, fmt.Errorf("decoding %q: %w", action, ErrNotObject)
	}

	payload := make(Payload)
	doc.ForEach(func(key, value gjson.Result) bool {
		switch value.Type {
		case gjson.Number:
			payload[key.String()] = value.Num
		case gjson.String:
			payload[key.String()] = value.Str
		case gjson.True, gjson.False:
			payload[key.String()] = value.Bool()
		case gjson.Null:
			payload[key.String()] = nil
		}
		return true
	})

	return ActionMessage{Action: action, Payload: payload}, nil
}

// Encode renders a message in wire format without a trailing newline.
//
// Precondition: action must not contain a space.
// Postcondition: Decode(Encode(a, p)) yields a and p for scalar payloads.
func Encode(action string, payload Payload) ([]byte, error) {
	if bytes.IndexByte([]byte(action), ' ') >= 0 {
		return nil, fmt.Errorf("encoding action %q: action must not contain a space", action)
	}
	if payload == nil {
		payload = Payload{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %q: %w", action, err)
	}
	out := make([]byte, 0, len(action)+1+len(body))
	out = append(out, action...)
	out = append(out, ' ')
	return append(out, body...), nil
}
