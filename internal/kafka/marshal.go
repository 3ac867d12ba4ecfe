package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
)

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func Marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}

func UnmarshalEnvelope(b []byte) (orders.Envelope, error) {
	var ev orders.Envelope
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode envelope: %w", err)
	}
	return ev, nil
}

// UnwrapPayload decodes the typed payload of an envelope.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
