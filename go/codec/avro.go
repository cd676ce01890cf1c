package codec

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/linkedin/goavro/v2"
)

// avroBackend encodes documents as Avro binary under the registered
// writer schema, and decodes binary payloads back to textual JSON.
type avroBackend struct {
	codecs *lru.Cache[int, *goavro.Codec]
}

func newAvroBackend() (*avroBackend, error) {
	var codecs, err = lru.New[int, *goavro.Codec](registryCacheSize)
	if err != nil {
		return nil, err
	}
	return &avroBackend{codecs: codecs}, nil
}

func (b *avroBackend) codec(schema Schema) (*goavro.Codec, error) {
	if cached, ok := b.codecs.Get(schema.ID); ok {
		return cached, nil
	}

	var codec, err = goavro.NewCodec(schema.Raw)
	if err != nil {
		return nil, fmt.Errorf("parsing registered avro schema: %w", err)
	}
	b.codecs.Add(schema.ID, codec)
	return codec, nil
}

func (b *avroBackend) encode(schema Schema, doc json.RawMessage) ([]byte, error) {
	var codec, err = b.codec(schema)
	if err != nil {
		return nil, err
	}

	native, _, err := codec.NativeFromTextual(doc)
	if err != nil {
		return nil, fmt.Errorf("document does not match schema: %w", err)
	}
	bin, err := codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("encoding avro binary: %w", err)
	}
	return bin, nil
}

func (b *avroBackend) decode(schema Schema, payload []byte) (json.RawMessage, error) {
	var codec, err = b.codec(schema)
	if err != nil {
		return nil, err
	}

	native, _, err := codec.NativeFromBinary(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding avro binary: %w", err)
	}
	text, err := codec.TextualFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("rendering avro document: %w", err)
	}
	return json.RawMessage(text), nil
}
