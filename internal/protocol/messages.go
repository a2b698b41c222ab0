// Package protocol defines the wire frames of the three vendor protocols the
// edges speak. Inbound parsing is tagged-variant: each Parse* function
// returns a concrete event type, or an Unknown value for types it does not
// model, and only fails when the frame is not JSON at all.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Unknown is returned for well-formed frames whose type is not modelled.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func decodeEnvelope(raw []byte, key string) (string, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var typ string
	if v, ok := env[key]; ok {
		if err := json.Unmarshal(v, &typ); err != nil {
			return "", fmt.Errorf("%w: %s is not a string", ErrMalformedFrame, key)
		}
	}
	return typ, nil
}

func decodeAs[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}
