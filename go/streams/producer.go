package streams

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
	log "github.com/sirupsen/logrus"
)

// ErrNotAdmitted is the Nack cause when a Produce request cannot be
// admitted to the stream within the ask timeout.
var ErrNotAdmitted = errors.New("produce request not admitted within ask timeout")

// ErrStreamStopped is the Nack cause for requests against a stopped stream.
var ErrStreamStopped = errors.New("stream is stopped")

// ProduceRequest is one event to publish.
type ProduceRequest struct {
	// Key of the event.
	Key codec.EventKey
	// RecordName of the value's registry subject.
	RecordName string
	// Document is the JSON value payload.
	Document json.RawMessage
	// Headers carried on the record.
	Headers map[string]string
}

// ProducerConfig of a producer stream.
type ProducerConfig struct {
	Topic  string
	Codec  codec.Codec
	Client ProducerClient
	// AskTimeout bounds admission of a Produce request to the stream.
	AskTimeout time.Duration
	// PublishTimeout bounds one serialize-and-publish round trip.
	PublishTimeout time.Duration
	// FlushTimeout bounds the final flush on Stop.
	FlushTimeout time.Duration
}

// Producer is the per-topic producer stream actor. Requests are handled by
// a single goroutine, so the broker-accepted order of a sequence of
// Produce calls from one client equals their arrival order.
type Producer struct {
	cfg  ProducerConfig
	asks chan produceAsk

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type produceAsk struct {
	req   ProduceRequest
	reply chan error
}

// StartProducer spawns the producer stream for |cfg|.
func StartProducer(cfg ProducerConfig) *Producer {
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	var p = &Producer{
		cfg:  cfg,
		asks: make(chan produceAsk),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.serve()
	return p
}

// Topic of this stream.
func (p *Producer) Topic() string { return p.cfg.Topic }

// Produce publishes one event, replying nil on broker confirmation (Ack)
// and an error cause otherwise (Nack).
func (p *Producer) Produce(ctx context.Context, req ProduceRequest) error {
	var ask = produceAsk{req: req, reply: make(chan error, 1)}
	var admit = time.NewTimer(p.cfg.AskTimeout)
	defer admit.Stop()

	select {
	case p.asks <- ask:
	case <-admit.C:
		producedCounter.WithLabelValues(p.cfg.Topic, "nack").Inc()
		return ErrNotAdmitted
	case <-p.stop:
		return ErrStreamStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ask.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes outstanding records up to the flush timeout, then closes
// the broker client. Stop is idempotent and returns once the stream exits.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Producer) serve() {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			var ctx, cancel = context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
			if err := p.cfg.Client.Flush(ctx); err != nil {
				log.WithFields(log.Fields{"topic": p.cfg.Topic, "err": err}).
					Warn("producer flush on stop failed")
			}
			cancel()
			p.cfg.Client.Close()
			return

		case ask := <-p.asks:
			var err = p.publish(ask.req)
			if err == nil {
				producedCounter.WithLabelValues(p.cfg.Topic, "ack").Inc()
			} else {
				producedCounter.WithLabelValues(p.cfg.Topic, "nack").Inc()
				log.WithFields(log.Fields{
					"topic":   p.cfg.Topic,
					"eventId": ask.req.Key.EventID,
					"err":     err,
				}).Warn("produce failed")
			}
			ask.reply <- err
		}
	}
}

func (p *Producer) publish(req ProduceRequest) error {
	var ctx, cancel = context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	var key, err = p.cfg.Codec.EncodeKey(ctx, p.cfg.Topic, req.Key)
	if err != nil {
		return err
	}
	value, err := p.cfg.Codec.EncodeValue(ctx, p.cfg.Topic, req.RecordName, req.Document)
	if err != nil {
		return err
	}
	return p.cfg.Client.Produce(ctx, key, value, req.Headers)
}
