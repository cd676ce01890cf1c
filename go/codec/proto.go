package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// protoBackend frames protobuf payloads per the schema-registry protobuf
// convention: the message-index array selects a message declared within the
// registered .proto schema. Concrete message types are registered by name;
// the backend maps between their wire form and protojson documents.
type protoBackend struct {
	mu        sync.RWMutex
	factories map[string]func() proto.Message
}

func newProtoBackend() *protoBackend {
	return &protoBackend{factories: make(map[string]func() proto.Message)}
}

func (b *protoBackend) register(name string, fn func() proto.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[name] = fn
}

func (b *protoBackend) factory(name string) (func() proto.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if fn, ok := b.factories[name]; ok {
		return fn, nil
	}
	return nil, fmt.Errorf("no registered protobuf message %q", name)
}

func (b *protoBackend) encode(schema Schema, recordName string, doc json.RawMessage) (index []int, payload []byte, err error) {
	var messages = topLevelMessages(schema.Raw)

	var position = -1
	for i, name := range messages {
		if name == recordName {
			position = i
			break
		}
	}
	if position == -1 {
		return nil, nil, fmt.Errorf("schema declares no top-level message %q", recordName)
	}

	fn, err := b.factory(recordName)
	if err != nil {
		return nil, nil, err
	}

	var msg = fn()
	if err = protojson.Unmarshal(doc, msg); err != nil {
		return nil, nil, fmt.Errorf("document does not match message %q: %w", recordName, err)
	}
	payload, err = proto.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling message %q: %w", recordName, err)
	}
	return []int{position}, payload, nil
}

func (b *protoBackend) decode(schema Schema, index []int, payload []byte) (json.RawMessage, error) {
	// Only top-level messages are supported; a nested index path would
	// require a full .proto parse.
	if len(index) != 1 {
		return nil, fmt.Errorf("unsupported nested message index %v", index)
	}

	var messages = topLevelMessages(schema.Raw)
	if index[0] < 0 || index[0] >= len(messages) {
		return nil, fmt.Errorf("message index %d out of range (%d declared messages)", index[0], len(messages))
	}
	var name = messages[index[0]]

	var fn, err = b.factory(name)
	if err != nil {
		return nil, err
	}

	var msg = fn()
	if err = proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshalling message %q: %w", name, err)
	}
	doc, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("rendering message %q: %w", name, err)
	}
	return json.RawMessage(doc), nil
}

// topLevelMessages scans a .proto schema for its top-level message names,
// in declaration order. Comments and string literals are stripped first,
// and nested messages are skipped by brace depth.
func topLevelMessages(raw string) []string {
	var names []string
	var depth int
	var fields = strings.FieldsFunc(stripProtoTokens(raw), func(r rune) bool {
		return unicode.IsSpace(r)
	})

	for i := 0; i < len(fields); i++ {
		var tok = fields[i]

		// A token may carry braces with no surrounding whitespace.
		for len(tok) > 0 {
			switch {
			case depth == 0 && tok == "message" && i+1 < len(fields):
				var name = strings.TrimRight(fields[i+1], "{")
				if name != "" {
					names = append(names, name)
				}
				tok = ""
			case strings.HasPrefix(tok, "{"):
				depth, tok = depth+1, tok[1:]
			case strings.HasPrefix(tok, "}"):
				depth, tok = depth-1, tok[1:]
			default:
				var open = strings.IndexAny(tok, "{}")
				if open == -1 {
					tok = ""
				} else {
					tok = tok[open:]
				}
			}
		}
	}
	return names
}

// stripProtoTokens replaces // and /* */ comments and quoted string
// literals with a space, so their contents cannot read as declarations
// or shift brace depth.
func stripProtoTokens(raw string) string {
	var out = make([]byte, 0, len(raw))
	for i := 0; i < len(raw); {
		switch {
		case strings.HasPrefix(raw[i:], "//"):
			for i < len(raw) && raw[i] != '\n' {
				i++
			}
			out = append(out, ' ')

		case strings.HasPrefix(raw[i:], "/*"):
			var end = strings.Index(raw[i+2:], "*/")
			if end == -1 {
				i = len(raw)
			} else {
				i += end + 4
			}
			out = append(out, ' ')

		case raw[i] == '"' || raw[i] == '\'':
			var quote = raw[i]
			i++
			for i < len(raw) && raw[i] != quote {
				if raw[i] == '\\' {
					i++
				}
				i++
			}
			i++
			out = append(out, ' ')

		default:
			out = append(out, raw[i])
			i++
		}
	}
	return string(out)
}
