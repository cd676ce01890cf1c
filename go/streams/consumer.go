package streams

import (
	"context"
	"sync"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/manifest"
	log "github.com/sirupsen/logrus"
)

// ConsumerConfig of a consumer stream.
type ConsumerConfig struct {
	Directive       manifest.Directive
	Codec           codec.Codec
	Client          ConsumerClient
	AskTimeout      time.Duration
	CommitBatchSize int
	CommitInterval  time.Duration
}

// Consumer is the per-topic consumer stream actor. A background poll
// goroutine feeds batches into the handler loop, which decodes, filters,
// and indexes matching events and serves Fetch asks from its registry.
// Offsets are committed in bounded batches; Stop halts immediately without
// a final flush, so up to a batch of records may be redelivered on a
// subsequent run.
type Consumer struct {
	cfg      ConsumerConfig
	fetches  chan fetchAsk
	polled   chan pollResult
	pollStop context.CancelFunc

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type fetchAsk struct {
	eventID string
	reply   chan fetchReply
}

type fetchReply struct {
	rec ConsumedRecord
	ok  bool
}

type pollResult struct {
	records []Record
	err     error
}

// StartConsumer spawns the consumer stream for |cfg|.
func StartConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 5 * time.Second
	}
	if cfg.CommitBatchSize <= 0 {
		cfg.CommitBatchSize = 20
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 5 * time.Second
	}

	var pollCtx, pollStop = context.WithCancel(context.Background())
	var c = &Consumer{
		cfg:      cfg,
		fetches:  make(chan fetchAsk),
		polled:   make(chan pollResult),
		pollStop: pollStop,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.poll(pollCtx)
	go c.serve()
	return c
}

// Topic of this stream.
func (c *Consumer) Topic() string { return c.cfg.Directive.Topic }

// Fetch looks up a consumed event by id, replying the record and true if
// it's present in the registry (Ack), or false if it isn't (Nack).
func (c *Consumer) Fetch(ctx context.Context, eventID string) (ConsumedRecord, bool, error) {
	var ask = fetchAsk{eventID: eventID, reply: make(chan fetchReply, 1)}
	var admit = time.NewTimer(c.cfg.AskTimeout)
	defer admit.Stop()

	select {
	case c.fetches <- ask:
	case <-admit.C:
		return ConsumedRecord{}, false, ErrNotAdmitted
	case <-c.stop:
		return ConsumedRecord{}, false, ErrStreamStopped
	case <-ctx.Done():
		return ConsumedRecord{}, false, ctx.Err()
	}

	select {
	case reply := <-ask.reply:
		return reply.rec, reply.ok, nil
	case <-ctx.Done():
		return ConsumedRecord{}, false, ctx.Err()
	}
}

// Stop halts the stream immediately. Deliberately, no final offset commit
// is attempted: uncommitted records are redelivered to the next run.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// poll feeds the handler loop with broker batches. It runs until the poll
// context is cancelled or the client errors out.
func (c *Consumer) poll(ctx context.Context) {
	for {
		var records, err = c.cfg.Client.Poll(ctx)

		select {
		case c.polled <- pollResult{records: records, err: err}:
		case <-c.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Consumer) serve() {
	defer close(c.done)

	var topic = c.cfg.Directive.Topic
	var registry = make(eventRegistry)
	var uncommitted []Record

	var ticker = time.NewTicker(c.cfg.CommitInterval)
	defer ticker.Stop()

	var commit = func() {
		if len(uncommitted) == 0 {
			return
		}
		var ctx, cancel = context.WithTimeout(context.Background(), c.cfg.AskTimeout)
		defer cancel()

		if err := c.cfg.Client.Commit(ctx, uncommitted); err != nil {
			// Offsets are at-least-once; keep the batch and retry on the
			// next trigger.
			log.WithFields(log.Fields{"topic": topic, "err": err}).
				Warn("offset commit failed")
			return
		}
		offsetCommitCounter.WithLabelValues(topic).Inc()
		uncommitted = uncommitted[:0]
	}

	for {
		select {
		case <-c.stop:
			c.pollStop()
			c.cfg.Client.Close()
			return

		case res := <-c.polled:
			if res.err != nil {
				log.WithFields(log.Fields{"topic": topic, "err": res.err}).
					Warn("consumer poll failed")
				continue
			}
			for _, rec := range res.records {
				c.ingest(registry, rec)
				uncommitted = append(uncommitted, rec)
			}
			if len(uncommitted) >= c.cfg.CommitBatchSize {
				commit()
			}

		case <-ticker.C:
			commit()

		case ask := <-c.fetches:
			var rec, ok = registry.get(ask.eventID)
			ask.reply <- fetchReply{rec: rec, ok: ok}
		}
	}
}

// ingest decodes one record and indexes it if it passes the event filter.
// Decode failures are logged and counted, never fatal to the stream.
func (c *Consumer) ingest(registry eventRegistry, rec Record) {
	var topic = c.cfg.Directive.Topic
	var ctx, cancel = context.WithTimeout(context.Background(), c.cfg.AskTimeout)
	defer cancel()

	var key, err = c.cfg.Codec.DecodeKey(ctx, rec.Key)
	if err != nil {
		decodeErrorCounter.WithLabelValues(topic).Inc()
		log.WithFields(log.Fields{
			"topic":     topic,
			"partition": rec.Partition,
			"offset":    rec.Offset,
			"err":       err,
		}).Warn("skipping record with undecodable key")
		return
	}

	if !c.cfg.Directive.Matches(key.EventType, key.PayloadVersion) {
		filteredCounter.WithLabelValues(topic).Inc()
		return
	}

	doc, err := c.cfg.Codec.DecodeValue(ctx, rec.Value)
	if err != nil {
		decodeErrorCounter.WithLabelValues(topic).Inc()
		log.WithFields(log.Fields{
			"topic":   topic,
			"eventId": key.EventID,
			"err":     err,
		}).Warn("skipping record with undecodable value")
		return
	}

	registry.insert(ConsumedRecord{Key: key, Document: doc, Headers: rec.Headers})
	consumedCounter.WithLabelValues(topic).Inc()
}
