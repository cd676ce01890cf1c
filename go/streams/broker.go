// Package streams implements the per-topic producer and consumer actors of
// a test execution. Each stream owns one broker client, serializes events
// through the schema codec, and serves bounded asks from the scenario
// runtime. Broker clients are built by a BrokerFactory so tests can
// substitute in-memory fakes.
package streams

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/vault"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// Record is one broker record in its raw wire form.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string

	// kgoRec is retained by the kgo adapter for offset commits.
	kgoRec *kgo.Record
}

// ClientConfig of a broker client bound to one topic.
type ClientConfig struct {
	// BootstrapServers is a comma-separated broker list.
	BootstrapServers string
	// Topic the client produces to or consumes from.
	Topic string
	// Group is the consumer group; consumers only.
	Group string
	// Credentials of the topic, as fetched from the vault. Recognized
	// fields: mechanism (PLAIN, SCRAM-SHA-256, SCRAM-SHA-512), username,
	// password, tls ("true" enables TLS).
	Credentials vault.Credentials
}

// ProducerClient is the broker half of a producer stream.
type ProducerClient interface {
	// Produce publishes one record and returns on broker confirmation.
	Produce(ctx context.Context, key, value []byte, headers map[string]string) error
	// Flush awaits outstanding in-flight records.
	Flush(ctx context.Context) error
	Close()
}

// ConsumerClient is the broker half of a consumer stream.
type ConsumerClient interface {
	// Poll blocks for the next batch of records.
	Poll(ctx context.Context) ([]Record, error)
	// Commit marks the offsets of |records| as consumed.
	Commit(ctx context.Context, records []Record) error
	Close()
}

// BrokerFactory builds broker clients.
type BrokerFactory interface {
	NewProducer(cfg ClientConfig) (ProducerClient, error)
	NewConsumer(cfg ClientConfig) (ConsumerClient, error)
}

// KafkaFactory is the production BrokerFactory over franz-go.
type KafkaFactory struct{}

var _ BrokerFactory = KafkaFactory{}

func clientOpts(cfg ClientConfig) ([]kgo.Opt, error) {
	if cfg.BootstrapServers == "" {
		return nil, fmt.Errorf("topic %s has no bootstrap servers", cfg.Topic)
	}
	var opts = []kgo.Opt{
		kgo.SeedBrokers(strings.Split(cfg.BootstrapServers, ",")...),
	}

	if cfg.Credentials["tls"] == "true" {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	var user = cfg.Credentials["username"]
	var pass = cfg.Credentials["password"]

	switch mech := cfg.Credentials["mechanism"]; mech {
	case "", "NONE":
		// Unauthenticated.
	case "PLAIN":
		opts = append(opts, kgo.SASL(plain.Auth{User: user, Pass: pass}.AsMechanism()))
	case "SCRAM-SHA-256":
		opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha256Mechanism()))
	case "SCRAM-SHA-512":
		opts = append(opts, kgo.SASL(scram.Auth{User: user, Pass: pass}.AsSha512Mechanism()))
	default:
		return nil, fmt.Errorf("topic %s has unsupported SASL mechanism %q", cfg.Topic, mech)
	}
	return opts, nil
}

func (KafkaFactory) NewProducer(cfg ClientConfig) (ProducerClient, error) {
	var opts, err = clientOpts(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("building producer client of topic %s: %w", cfg.Topic, err)
	}
	return &kgoProducer{client: client}, nil
}

func (KafkaFactory) NewConsumer(cfg ClientConfig) (ConsumerClient, error) {
	var opts, err = clientOpts(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.Group),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("building consumer client of topic %s: %w", cfg.Topic, err)
	}
	return &kgoConsumer{client: client}, nil
}

type kgoProducer struct {
	client *kgo.Client
}

func (p *kgoProducer) Produce(ctx context.Context, key, value []byte, headers map[string]string) error {
	var rec = &kgo.Record{Key: key, Value: value}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return p.client.ProduceSync(ctx, rec).FirstErr()
}

func (p *kgoProducer) Flush(ctx context.Context) error { return p.client.Flush(ctx) }

func (p *kgoProducer) Close() { p.client.Close() }

type kgoConsumer struct {
	client *kgo.Client
}

func (c *kgoConsumer) Poll(ctx context.Context) ([]Record, error) {
	var fetches = c.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	for _, fe := range fetches.Errors() {
		return nil, fmt.Errorf("polling %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
	}

	var out []Record
	fetches.EachRecord(func(r *kgo.Record) {
		var headers map[string]string
		if len(r.Headers) != 0 {
			headers = make(map[string]string, len(r.Headers))
			for _, h := range r.Headers {
				headers[h.Key] = string(h.Value)
			}
		}
		out = append(out, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   headers,
			kgoRec:    r,
		})
	})
	return out, nil
}

func (c *kgoConsumer) Commit(ctx context.Context, records []Record) error {
	var krecs = make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		if r.kgoRec != nil {
			krecs = append(krecs, r.kgoRec)
		}
	}
	if len(krecs) == 0 {
		return nil
	}
	return c.client.CommitRecords(ctx, krecs...)
}

func (c *kgoConsumer) Close() { c.client.Close() }
