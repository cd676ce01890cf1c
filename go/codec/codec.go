// Package codec encodes and decodes event keys and values with the
// schema-registry wire framing: a magic byte, a 4-byte big-endian schema id,
// and (for protobuf) a message-index array, followed by the payload.
// JSON, Avro, and Protobuf backends are selected by the registered schema's
// type; callers deal only in JSON documents and EventKeys.
package codec

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec serializes keys and values of broker events.
// The subject of a record is Subject(topic, recordName); key records use
// the configured key record name (default "EventKey").
type Codec interface {
	// EncodeKey frames |key| under the key subject of |topic|.
	EncodeKey(ctx context.Context, topic string, key EventKey) ([]byte, error)
	// DecodeKey parses a framed key back into an EventKey.
	DecodeKey(ctx context.Context, data []byte) (EventKey, error)
	// EncodeValue frames the JSON document |doc| under Subject(topic, recordName).
	EncodeValue(ctx context.Context, topic, recordName string, doc json.RawMessage) ([]byte, error)
	// DecodeValue parses a framed value back into a JSON document.
	DecodeValue(ctx context.Context, data []byte) (json.RawMessage, error)
}

// Config of a schema Codec.
type Config struct {
	// KeyRecordName is the record name of event keys.
	KeyRecordName string
}

type schemaCodec struct {
	registry  Registry
	keyRecord string

	jsonBackend  *jsonBackend
	avroBackend  *avroBackend
	protoBackend *protoBackend
}

// New returns a Codec over |registry|.
func New(registry Registry, cfg Config) (Codec, error) {
	if cfg.KeyRecordName == "" {
		cfg.KeyRecordName = "EventKey"
	}

	jsonB, err := newJSONBackend()
	if err != nil {
		return nil, err
	}
	avroB, err := newAvroBackend()
	if err != nil {
		return nil, err
	}

	return &schemaCodec{
		registry:     registry,
		keyRecord:    cfg.KeyRecordName,
		jsonBackend:  jsonB,
		avroBackend:  avroB,
		protoBackend: newProtoBackend(),
	}, nil
}

// RegisterProtoMessage registers a protobuf message factory under its
// declared message name, for use by the protobuf backend.
func RegisterProtoMessage(c Codec, name string, fn func() proto.Message) error {
	var sc, ok = c.(*schemaCodec)
	if !ok {
		return fmt.Errorf("codec does not support protobuf registration")
	}
	sc.protoBackend.register(name, fn)
	return nil
}

func (c *schemaCodec) EncodeKey(ctx context.Context, topic string, key EventKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var doc, err = json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("marshalling event key: %w", err)
	}
	return c.EncodeValue(ctx, topic, c.keyRecord, doc)
}

func (c *schemaCodec) DecodeKey(ctx context.Context, data []byte) (EventKey, error) {
	var doc, err = c.DecodeValue(ctx, data)
	if err != nil {
		return EventKey{}, err
	}

	var key EventKey
	if err = json.Unmarshal(doc, &key); err != nil {
		return EventKey{}, fmt.Errorf("parsing decoded event key: %w", err)
	}
	if err = key.Validate(); err != nil {
		return EventKey{}, err
	}
	return key, nil
}

func (c *schemaCodec) EncodeValue(ctx context.Context, topic, recordName string, doc json.RawMessage) ([]byte, error) {
	var subject = Subject(topic, recordName)

	var schema, err = c.registry.Latest(ctx, subject)
	if err != nil {
		return nil, err
	}

	switch schema.Type {
	case TypeJSON:
		payload, err := c.jsonBackend.encode(schema, doc)
		if err != nil {
			return nil, fmt.Errorf("encoding %s as json: %w", subject, err)
		}
		return EncodeFrame(schema.ID, nil, payload), nil

	case TypeAvro:
		payload, err := c.avroBackend.encode(schema, doc)
		if err != nil {
			return nil, fmt.Errorf("encoding %s as avro: %w", subject, err)
		}
		return EncodeFrame(schema.ID, nil, payload), nil

	case TypeProtobuf:
		index, payload, err := c.protoBackend.encode(schema, recordName, doc)
		if err != nil {
			return nil, fmt.Errorf("encoding %s as protobuf: %w", subject, err)
		}
		return EncodeFrame(schema.ID, index, payload), nil

	default:
		return nil, fmt.Errorf("subject %s has unsupported schema type %s", subject, schema.Type)
	}
}

func (c *schemaCodec) DecodeValue(ctx context.Context, data []byte) (json.RawMessage, error) {
	var id, rest, err = SplitFrame(data)
	if err != nil {
		return nil, err
	}

	schema, err := c.registry.ByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch schema.Type {
	case TypeJSON:
		doc, err := c.jsonBackend.decode(schema, rest)
		if err != nil {
			return nil, fmt.Errorf("decoding schema %d as json: %w", id, err)
		}
		return doc, nil

	case TypeAvro:
		doc, err := c.avroBackend.decode(schema, rest)
		if err != nil {
			return nil, fmt.Errorf("decoding schema %d as avro: %w", id, err)
		}
		return doc, nil

	case TypeProtobuf:
		index, payload, err := splitIndex(rest)
		if err != nil {
			return nil, fmt.Errorf("decoding schema %d message index: %w", id, err)
		}
		doc, err := c.protoBackend.decode(schema, index, payload)
		if err != nil {
			return nil, fmt.Errorf("decoding schema %d as protobuf: %w", id, err)
		}
		return doc, nil

	default:
		return nil, fmt.Errorf("schema %d has unsupported type %s", id, schema.Type)
	}
}
