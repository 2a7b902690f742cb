// ABOUTME: Codec for the control RPC surface: every message travels as a protobuf google.protobuf.Struct
// ABOUTME: Plain message structs map onto the Struct through their JSON field names, so no generated stubs are needed

package control

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// CodecName is the gRPC content subtype of the control surface.
const CodecName = "structpb"

type structCodec struct{}

func (structCodec) Marshal(v any) ([]byte, error) {
	msg, err := toStruct(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

func (structCodec) Unmarshal(data []byte, v any) error {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decoding control message: %w", err)
	}
	return fromStruct(&msg, v)
}

func (structCodec) Name() string { return CodecName }

// toStruct converts a message struct to its Struct form. Numbers become
// doubles, so integer fields stay exact up to 2^53.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding control message: %w", err)
	}
	var msg structpb.Struct
	if err := protojson.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("encoding control message: %w", err)
	}
	return &msg, nil
}

func fromStruct(msg *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("decoding control message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding control message: %w", err)
	}
	return nil
}

func init() {
	encoding.RegisterCodec(structCodec{})
}
