package streams

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/manifest"
	"github.com/stretchr/testify/require"
)

var ordersDirective = manifest.Directive{
	Topic: "orders",
	Role:  manifest.RoleConsumer,
	EventFilters: []manifest.EventFilter{
		{Key: "OrderCreated", Value: "v1"},
	},
}

func orderRecord(eventID, eventType, version string, doc string) Record {
	return Record{
		Topic: "orders",
		Key:   mustKeyBytes(codec.EventKey{EventID: eventID, EventType: eventType, PayloadVersion: version}),
		Value: []byte(doc),
	}
}

func startTestConsumer(t *testing.T, client *fakeConsumerClient, batch int, interval time.Duration) *Consumer {
	t.Helper()

	var c = StartConsumer(ConsumerConfig{
		Directive:       ordersDirective,
		Codec:           passthroughCodec{},
		Client:          client,
		AskTimeout:      time.Second,
		CommitBatchSize: batch,
		CommitInterval:  interval,
	})
	t.Cleanup(c.Stop)
	return c
}

func fetchEventually(t *testing.T, c *Consumer, eventID string) ConsumedRecord {
	t.Helper()

	var rec ConsumedRecord
	require.Eventually(t, func() bool {
		var got, ok, err = c.Fetch(context.Background(), eventID)
		require.NoError(t, err)
		rec = got
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return rec
}

func TestConsumerFilterAndFetch(t *testing.T) {
	var client = newFakeConsumerClient()
	var c = startTestConsumer(t, client, 100, time.Hour)

	client.batches <- []Record{
		orderRecord("e-1", "OrderCreated", "v1", `{"id":"order-1"}`),
		orderRecord("e-2", "OrderShipped", "v1", `{"id":"order-2"}`), // Filtered out.
		orderRecord("e-3", "OrderCreated", "v2", `{"id":"order-3"}`), // Filtered out.
	}

	var rec = fetchEventually(t, c, "e-1")
	require.JSONEq(t, `{"id":"order-1"}`, string(rec.Document))
	require.Equal(t, "OrderCreated", rec.Key.EventType)

	// Filtered events never reach the registry.
	_, ok, err := c.Fetch(context.Background(), "e-2")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = c.Fetch(context.Background(), "e-3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConsumerDecodeFailureIsNonFatal(t *testing.T) {
	var client = newFakeConsumerClient()
	var c = startTestConsumer(t, client, 100, time.Hour)

	client.batches <- []Record{
		{Topic: "orders", Key: []byte("!garbage"), Value: []byte(`{}`)},
		orderRecord("e-bad-value", "OrderCreated", "v1", `!garbage`),
		orderRecord("e-good", "OrderCreated", "v1", `{"id":"order-4"}`),
	}

	// Valid records still arrive after the malformed ones are skipped.
	var rec = fetchEventually(t, c, "e-good")
	require.JSONEq(t, `{"id":"order-4"}`, string(rec.Document))

	_, ok, err := c.Fetch(context.Background(), "e-bad-value")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConsumerRegistryLastWriteWins(t *testing.T) {
	var client = newFakeConsumerClient()
	var c = startTestConsumer(t, client, 100, time.Hour)

	client.batches <- []Record{
		orderRecord("e-1", "OrderCreated", "v1", `{"rev":1}`),
	}
	var rec = fetchEventually(t, c, "e-1")
	require.JSONEq(t, `{"rev":1}`, string(rec.Document))

	client.batches <- []Record{
		orderRecord("e-1", "OrderCreated", "v1", `{"rev":2}`),
	}
	require.Eventually(t, func() bool {
		var got, ok, err = c.Fetch(context.Background(), "e-1")
		require.NoError(t, err)
		return ok && string(got.Document) == `{"rev":2}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerCommitBatching(t *testing.T) {
	var client = newFakeConsumerClient()
	startTestConsumer(t, client, 2, time.Hour)

	// One record is below the batch size: no commit.
	client.batches <- []Record{
		orderRecord("e-1", "OrderCreated", "v1", `{}`),
	}
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, client.committed())

	// The second record completes the batch.
	client.batches <- []Record{
		orderRecord("e-2", "OrderCreated", "v1", `{}`),
	}
	require.Eventually(t, func() bool {
		return client.committed() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerCommitOnInterval(t *testing.T) {
	var client = newFakeConsumerClient()
	startTestConsumer(t, client, 100, 50*time.Millisecond)

	client.batches <- []Record{
		orderRecord("e-1", "OrderCreated", "v1", `{}`),
	}
	require.Eventually(t, func() bool {
		return client.committed() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumerStopWithoutDrain(t *testing.T) {
	var client = newFakeConsumerClient()
	var c = startTestConsumer(t, client, 100, time.Hour)

	client.batches <- []Record{
		orderRecord("e-1", "OrderCreated", "v1", `{}`),
	}
	fetchEventually(t, c, "e-1")

	// Stop halts immediately; the uncommitted record is left for redelivery.
	c.Stop()
	require.Equal(t, 0, client.committed())

	client.mu.Lock()
	defer client.mu.Unlock()
	require.True(t, client.closed)

	var _, _, err = c.Fetch(context.Background(), "e-1")
	require.ErrorIs(t, err, ErrStreamStopped)
}

func TestConsumerUnfilteredValueDecoding(t *testing.T) {
	var client = newFakeConsumerClient()
	var c = StartConsumer(ConsumerConfig{
		Directive:  manifest.Directive{Topic: "orders", Role: manifest.RoleConsumer},
		Codec:      passthroughCodec{},
		Client:     client,
		AskTimeout: time.Second,
	})
	t.Cleanup(c.Stop)

	// With no filters, every decodable event is kept.
	client.batches <- []Record{
		orderRecord("e-1", "Whatever", "v9", `{"id":1}`),
	}

	var docJSON json.RawMessage
	require.Eventually(t, func() bool {
		var rec, ok, err = c.Fetch(context.Background(), "e-1")
		require.NoError(t, err)
		docJSON = rec.Document
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.JSONEq(t, `{"id":1}`, string(docJSON))
}
