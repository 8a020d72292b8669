package props

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode serializes the record as a protobuf Struct keyed by the JSON
// field names, so readers written against older records ignore new keys.
func Encode(p Props) ([]byte, error) {
	// Round-trip through JSON to get the field names and plain values
	// structpb accepts.
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("props: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("props: encode: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("props: encode: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("props: encode: %w", err)
	}
	return b, nil
}

// Decode parses a record produced by Encode. Unknown keys are ignored and
// missing keys read as zero.
func Decode(b []byte) (Props, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return Props{}, fmt.Errorf("props: decode: %w", err)
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return Props{}, fmt.Errorf("props: decode: %w", err)
	}
	var p Props
	if err := json.Unmarshal(raw, &p); err != nil {
		return Props{}, fmt.Errorf("props: decode: %w", err)
	}
	return p, nil
}
