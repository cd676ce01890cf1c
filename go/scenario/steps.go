package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/streams"
	"github.com/nsf/jsondiff"
)

// suiteContext holds the per-scenario step state: the stream handles,
// any headers staged for the next produced event, and the most recently
// fetched record.
type suiteContext struct {
	streams    *Streams
	askTimeout time.Duration

	headers map[string]string
	fetched *streams.ConsumedRecord
}

func newSuiteContext(st *Streams, askTimeout time.Duration) *suiteContext {
	return &suiteContext{streams: st, askTimeout: askTimeout}
}

func (s *suiteContext) register(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		s.headers = nil
		s.fetched = nil
		return ctx, nil
	})

	sc.Step(`^I set header "([^"]*)" to "([^"]*)"$`, s.setHeader)
	sc.Step(`^I produce an? "([^"]*)" event with id "([^"]*)" version "([^"]*)" to topic "([^"]*)":$`, s.produce)
	sc.Step(`^event "([^"]*)" appears on topic "([^"]*)"$`, s.fetch)
	sc.Step(`^event "([^"]*)" does not appear on topic "([^"]*)"$`, s.fetchAbsent)
	sc.Step(`^the fetched payload matches:$`, s.payloadMatches)
	sc.Step(`^the fetched event header "([^"]*)" equals "([^"]*)"$`, s.headerEquals)
	sc.Step(`^the fetched event is an? "([^"]*)" version "([^"]*)"$`, s.keyEquals)
}

func (s *suiteContext) setHeader(name, value string) error {
	if s.headers == nil {
		s.headers = make(map[string]string)
	}
	s.headers[name] = value
	return nil
}

func (s *suiteContext) produce(eventType, eventID, version, topic string, payload *godog.DocString) error {
	var producer, ok = s.streams.Producer(topic)
	if !ok {
		return fmt.Errorf("no producer stream is attached to topic %s", topic)
	}
	if !json.Valid([]byte(payload.Content)) {
		return fmt.Errorf("payload of event %s is not valid JSON", eventID)
	}

	var ctx, cancel = context.WithTimeout(context.Background(), s.askTimeout)
	defer cancel()

	var err = producer.Produce(ctx, streams.ProduceRequest{
		Key: codec.EventKey{
			EventID:        eventID,
			EventType:      eventType,
			PayloadVersion: version,
		},
		RecordName: eventType,
		Document:   json.RawMessage(payload.Content),
		Headers:    s.headers,
	})
	s.headers = nil

	if err != nil {
		return fmt.Errorf("producing event %s to %s: %w", eventID, topic, err)
	}
	return nil
}

// fetch polls the consumer stream's registry until the event appears or
// the ask timeout lapses. A consumed event may trail its cause, so a
// single immediate lookup is not enough.
func (s *suiteContext) fetch(eventID, topic string) error {
	var consumer, ok = s.streams.Consumer(topic)
	if !ok {
		return fmt.Errorf("no consumer stream is attached to topic %s", topic)
	}

	var deadline = time.Now().Add(s.askTimeout)
	for {
		var rec, found, err = consumer.Fetch(context.Background(), eventID)
		if err != nil {
			return fmt.Errorf("fetching event %s from %s: %w", eventID, topic, err)
		}
		if found {
			s.fetched = &rec
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("event %s did not appear on topic %s within %s", eventID, topic, s.askTimeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// fetchAbsent verifies the event stays absent for the full ask timeout.
func (s *suiteContext) fetchAbsent(eventID, topic string) error {
	var consumer, ok = s.streams.Consumer(topic)
	if !ok {
		return fmt.Errorf("no consumer stream is attached to topic %s", topic)
	}

	var deadline = time.Now().Add(s.askTimeout)
	for {
		var _, found, err = consumer.Fetch(context.Background(), eventID)
		if err != nil {
			return fmt.Errorf("fetching event %s from %s: %w", eventID, topic, err)
		}
		if found {
			return fmt.Errorf("event %s unexpectedly appeared on topic %s", eventID, topic)
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (s *suiteContext) payloadMatches(expected *godog.DocString) error {
	if s.fetched == nil {
		return fmt.Errorf("no event has been fetched yet")
	}

	var opts = jsondiff.DefaultConsoleOptions()
	var diff, detail = jsondiff.Compare([]byte(expected.Content), s.fetched.Document, &opts)
	if diff != jsondiff.FullMatch && diff != jsondiff.SupersetMatch {
		return fmt.Errorf("payload of event %s doesn't match:\n%s", s.fetched.Key.EventID, detail)
	}
	return nil
}

func (s *suiteContext) headerEquals(name, value string) error {
	if s.fetched == nil {
		return fmt.Errorf("no event has been fetched yet")
	}
	var got, ok = s.fetched.Headers[name]
	if !ok {
		return fmt.Errorf("event %s carries no header %q", s.fetched.Key.EventID, name)
	}
	if got != value {
		return fmt.Errorf("header %q of event %s is %q, not %q", name, s.fetched.Key.EventID, got, value)
	}
	return nil
}

func (s *suiteContext) keyEquals(eventType, version string) error {
	if s.fetched == nil {
		return fmt.Errorf("no event has been fetched yet")
	}
	if s.fetched.Key.EventType != eventType || s.fetched.Key.PayloadVersion != version {
		return fmt.Errorf("fetched event %s is a %q version %q",
			s.fetched.Key.EventID, s.fetched.Key.EventType, s.fetched.Key.PayloadVersion)
	}
	return nil
}
