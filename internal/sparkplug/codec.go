//file: internal/sparkplug/codec.go

// Package sparkplug decodes and encodes Sparkplug B payloads. The proto
// definition ships embedded and is compiled at startup, so the module
// carries no generated protobuf code.
package sparkplug

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// TopicPrefix marks topics carrying Sparkplug B frames.
const TopicPrefix = "spBv1.0/"

//go:embed sparkplug_b.proto
var protoSource string

// IsSparkplugTopic reports whether a topic is under the Sparkplug B
// namespace.
func IsSparkplugTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix)
}

// Codec converts between Sparkplug B binary payloads and JSON objects.
// 64-bit integers are rendered as decimal strings so no precision is
// lost crossing into scripts.
type Codec struct {
	payloadDesc protoreflect.MessageDescriptor
	unmarshal   protojson.UnmarshalOptions
}

// NewCodec compiles the embedded payload definition.
func NewCodec() (*Codec, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(map[string]string{
				"sparkplug_b.proto": protoSource,
			}),
		}),
	}

	files, err := compiler.Compile(context.Background(), "sparkplug_b.proto")
	if err != nil {
		return nil, fmt.Errorf("failed to compile sparkplug schema: %w", err)
	}

	desc := files[0].Messages().ByName("Payload")
	if desc == nil {
		return nil, fmt.Errorf("payload message not found in sparkplug schema")
	}

	return &Codec{
		payloadDesc: desc,
		// Scripts may add keys the schema does not know about
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
	}, nil
}

// Decode parses a binary Sparkplug B frame into a plain JSON object.
func (c *Codec) Decode(raw []byte) (map[string]any, error) {
	msg := dynamicpb.NewMessage(c.payloadDesc)
	if err := proto.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("failed to parse sparkplug payload: %w", err)
	}

	jsonBytes, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to render sparkplug payload: %w", err)
	}

	// protojson output whitespace is unstable; round-trip through a map
	// for canonical text downstream
	var result map[string]any
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to canonicalize sparkplug payload: %w", err)
	}
	return result, nil
}

// Encode builds a binary Sparkplug B frame from a JSON-shaped value,
// accepting both the decoder's output and mutated copies of it.
func (c *Codec) Encode(value any) ([]byte, error) {
	jsonBytes, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for encoding: %w", err)
	}

	msg := dynamicpb.NewMessage(c.payloadDesc)
	if err := c.unmarshal.Unmarshal(jsonBytes, msg); err != nil {
		return nil, fmt.Errorf("failed to build sparkplug payload: %w", err)
	}
	return proto.Marshal(msg)
}
