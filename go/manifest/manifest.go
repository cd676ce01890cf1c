// Package manifest models the topic-directive manifest carried in a test bucket.
// The manifest names each broker topic a test interacts with, the role the test
// takes with respect to it, and the event filters applied by consumers.
package manifest

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role of a test with respect to a topic.
type Role string

const (
	// RoleProducer marks a topic the test produces events into.
	RoleProducer Role = "producer"
	// RoleConsumer marks a topic the test consumes events from.
	RoleConsumer Role = "consumer"
)

// EventFilter is a single (eventType, payloadVersion) pair which a consumer
// keeps from its topic. Key is the event type and Value its payload version.
type EventFilter struct {
	Key   string `yaml:"key" json:"key"`
	Value string `yaml:"value" json:"value"`
}

// Directive describes one topic of the manifest.
type Directive struct {
	// Topic is the broker topic name.
	Topic string `yaml:"topic" json:"topic"`
	// Role the test takes for this topic. If empty, the role is inferred:
	// consumer when EventFilters are present, and producer otherwise.
	Role Role `yaml:"role,omitempty" json:"role,omitempty"`
	// BootstrapServers overrides the globally configured brokers for this
	// topic. A present-but-empty value fails validation.
	BootstrapServers *string `yaml:"bootstrapServers,omitempty" json:"bootstrapServers,omitempty"`
	// Principal is the identity under which credentials are fetched.
	// If empty, the vault derives the secret name from Topic.
	Principal string `yaml:"principal,omitempty" json:"principal,omitempty"`
	// EventFilters kept by a consumer of this topic. Consumer-only.
	EventFilters []EventFilter `yaml:"eventFilters,omitempty" json:"eventFilters,omitempty"`
}

// Manifest is the parsed topic-directive manifest of a bucket.
type Manifest struct {
	Topics []Directive `yaml:"topics" json:"topics"`
}

// Parse reads and validates a Manifest from |r|.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest

	var dec = yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding topic manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate inspects the Manifest and resolves directive roles.
// It returns an error on the first violated invariant.
func (m *Manifest) Validate() error {
	if len(m.Topics) == 0 {
		return fmt.Errorf("manifest has no topic directives")
	}

	var seen = make(map[string]struct{}, len(m.Topics))
	for i := range m.Topics {
		var d = &m.Topics[i]

		if d.Topic == "" {
			return fmt.Errorf("directive %d is missing its topic name", i)
		}
		if _, ok := seen[d.Topic]; ok {
			return fmt.Errorf("duplicate directive for topic %q", d.Topic)
		}
		seen[d.Topic] = struct{}{}

		if d.BootstrapServers != nil && strings.TrimSpace(*d.BootstrapServers) == "" {
			return fmt.Errorf("topic %q has an empty bootstrapServers", d.Topic)
		}

		switch d.Role {
		case RoleProducer:
			if len(d.EventFilters) != 0 {
				return fmt.Errorf("producer topic %q cannot declare eventFilters", d.Topic)
			}
		case RoleConsumer:
			// Filters are optional: a consumer with no filters keeps every event.
		case "":
			if len(d.EventFilters) != 0 {
				d.Role = RoleConsumer
			} else {
				d.Role = RoleProducer
			}
		default:
			return fmt.Errorf("topic %q has unknown role %q", d.Topic, d.Role)
		}

		for f, filter := range d.EventFilters {
			if filter.Key == "" || filter.Value == "" {
				return fmt.Errorf("topic %q eventFilter %d must have both key and value", d.Topic, f)
			}
		}
	}
	return nil
}

// Producers returns directives having RoleProducer.
func (m *Manifest) Producers() []Directive {
	var out []Directive
	for _, d := range m.Topics {
		if d.Role == RoleProducer {
			out = append(out, d)
		}
	}
	return out
}

// Consumers returns directives having RoleConsumer.
func (m *Manifest) Consumers() []Directive {
	var out []Directive
	for _, d := range m.Topics {
		if d.Role == RoleConsumer {
			out = append(out, d)
		}
	}
	return out
}

// EffectiveBootstrapServers resolves the brokers for this directive,
// preferring its own override and falling back to |defaultServers|.
func (d *Directive) EffectiveBootstrapServers(defaultServers string) string {
	if d.BootstrapServers != nil {
		return *d.BootstrapServers
	}
	return defaultServers
}

// Matches returns whether the (eventType, payloadVersion) pair passes this
// directive's event filters. A directive with no filters matches everything.
func (d *Directive) Matches(eventType, payloadVersion string) bool {
	if len(d.EventFilters) == 0 {
		return true
	}
	for _, f := range d.EventFilters {
		if f.Key == eventType && f.Value == payloadVersion {
			return true
		}
	}
	return false
}
