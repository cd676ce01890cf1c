package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifestParsing(t *testing.T) {
	var doc = `
topics:
  - topic: orders
    role: consumer
    eventFilters:
      - key: OrderCreated
        value: v1
      - key: OrderShipped
        value: v2
  - topic: cmds
    role: producer
    principal: cmds-writer
  - topic: audit
    bootstrapServers: broker-b:9092
`
	var m, err = Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, m.Topics, 3)

	require.Equal(t, RoleConsumer, m.Topics[0].Role)
	require.Equal(t, "orders", m.Topics[0].Topic)
	require.Len(t, m.Topics[0].EventFilters, 2)

	require.Equal(t, RoleProducer, m.Topics[1].Role)
	require.Equal(t, "cmds-writer", m.Topics[1].Principal)

	// Role defaults to producer when no filters are declared.
	require.Equal(t, RoleProducer, m.Topics[2].Role)
	require.Equal(t, "broker-b:9092", m.Topics[2].EffectiveBootstrapServers("default:9092"))
	require.Equal(t, "default:9092", m.Topics[1].EffectiveBootstrapServers("default:9092"))

	require.Len(t, m.Producers(), 2)
	require.Len(t, m.Consumers(), 1)
}

func TestManifestRoleInference(t *testing.T) {
	var doc = `
topics:
  - topic: orders
    eventFilters:
      - key: OrderCreated
        value: v1
`
	var m, err = Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, RoleConsumer, m.Topics[0].Role)
}

func TestManifestValidationCases(t *testing.T) {
	var cases = []struct {
		name string
		doc  string
		err  string
	}{
		{
			name: "empty topic list",
			doc:  `topics: []`,
			err:  "no topic directives",
		},
		{
			name: "missing topic name",
			doc: `
topics:
  - role: producer
`,
			err: "missing its topic name",
		},
		{
			name: "duplicate topics",
			doc: `
topics:
  - topic: orders
  - topic: orders
`,
			err: `duplicate directive for topic "orders"`,
		},
		{
			name: "empty bootstrap servers",
			doc: `
topics:
  - topic: orders
    bootstrapServers: ""
`,
			err: "empty bootstrapServers",
		},
		{
			name: "producer with filters",
			doc: `
topics:
  - topic: orders
    role: producer
    eventFilters:
      - key: OrderCreated
        value: v1
`,
			err: "cannot declare eventFilters",
		},
		{
			name: "unknown role",
			doc: `
topics:
  - topic: orders
    role: spectator
`,
			err: `unknown role "spectator"`,
		},
		{
			name: "filter missing value",
			doc: `
topics:
  - topic: orders
    role: consumer
    eventFilters:
      - key: OrderCreated
`,
			err: "must have both key and value",
		},
		{
			name: "unknown field",
			doc: `
topics:
  - topic: orders
    flavor: vanilla
`,
			err: "decoding topic manifest",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var _, err = Parse(strings.NewReader(tc.doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestDirectiveFilterMatching(t *testing.T) {
	var d = Directive{
		Topic: "orders",
		Role:  RoleConsumer,
		EventFilters: []EventFilter{
			{Key: "OrderCreated", Value: "v1"},
			{Key: "OrderShipped", Value: "v2"},
		},
	}
	require.True(t, d.Matches("OrderCreated", "v1"))
	require.True(t, d.Matches("OrderShipped", "v2"))
	require.False(t, d.Matches("OrderCreated", "v2"))
	require.False(t, d.Matches("OrderDeleted", "v1"))

	var unfiltered = Directive{Topic: "orders", Role: RoleConsumer}
	require.True(t, unfiltered.Matches("anything", "v9"))
}
