// ABOUTME: Binary agent frames: deterministic CBOR carrying the same field names as the JSON frames
// ABOUTME: CBOR is transcoded to and from JSON so both encodings share one schema and decode path

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 section 4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode decodes any-typed maps as map[string]any so the result can be
// re-marshalled as JSON.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeBinary encodes a frame as deterministic CBOR.
func EncodeBinary(f Frame) ([]byte, error) {
	data, err := Encode(f)
	if err != nil {
		return nil, err
	}
	return ToCBOR(data)
}

// DecodeAgentBinary decodes a CBOR frame sent by an agent.
func DecodeAgentBinary(data []byte) (Frame, error) {
	js, err := FromCBOR(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeAgent(js)
}

// DecodeForAgentBinary decodes a CBOR frame the gateway sends to agents.
func DecodeForAgentBinary(data []byte) (Frame, error) {
	js, err := FromCBOR(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return DecodeForAgent(js)
}

// ToCBOR transcodes a JSON document to deterministic CBOR. Integral numbers
// become CBOR integers; everything else keeps its JSON shape.
func ToCBOR(js []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	out, err := encMode.Marshal(fromJSONNumbers(v))
	if err != nil {
		return nil, fmt.Errorf("encode cbor: %w", err)
	}
	return out, nil
}

// FromCBOR transcodes a CBOR document to JSON.
func FromCBOR(data []byte) ([]byte, error) {
	var v any
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode cbor: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return out, nil
}

func fromJSONNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = fromJSONNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = fromJSONNumbers(val)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) {
			return t.String()
		}
		return f
	default:
		return v
	}
}
