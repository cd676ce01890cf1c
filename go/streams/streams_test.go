package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
)

// passthroughCodec is a test codec: keys are JSON EventKeys and values are
// carried verbatim. Inputs beginning with '!' fail to decode.
type passthroughCodec struct{}

func (passthroughCodec) EncodeKey(_ context.Context, _ string, key codec.EventKey) ([]byte, error) {
	return json.Marshal(key)
}

func (passthroughCodec) DecodeKey(_ context.Context, data []byte) (codec.EventKey, error) {
	if len(data) > 0 && data[0] == '!' {
		return codec.EventKey{}, fmt.Errorf("malformed key")
	}
	var key codec.EventKey
	if err := json.Unmarshal(data, &key); err != nil {
		return codec.EventKey{}, err
	}
	return key, key.Validate()
}

func (passthroughCodec) EncodeValue(_ context.Context, _, _ string, doc json.RawMessage) ([]byte, error) {
	return doc, nil
}

func (passthroughCodec) DecodeValue(_ context.Context, data []byte) (json.RawMessage, error) {
	if len(data) > 0 && data[0] == '!' {
		return nil, fmt.Errorf("malformed value")
	}
	return json.RawMessage(data), nil
}

func mustKeyBytes(key codec.EventKey) []byte {
	var data, err = json.Marshal(key)
	if err != nil {
		panic(err)
	}
	return data
}

// fakeProducerClient records produced messages in arrival order.
type fakeProducerClient struct {
	mu       sync.Mutex
	produced []producedRecord
	flushed  int
	closed   bool

	produceErr error
	// block, when set, stalls Produce until it's closed.
	block chan struct{}
}

type producedRecord struct {
	key, value []byte
	headers    map[string]string
}

func (f *fakeProducerClient) Produce(ctx context.Context, key, value []byte, headers map[string]string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.produceErr != nil {
		return f.produceErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.produced = append(f.produced, producedRecord{key: key, value: value, headers: headers})
	return nil
}

func (f *fakeProducerClient) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeProducerClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeProducerClient) snapshot() []producedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]producedRecord(nil), f.produced...)
}

// fakeConsumerClient serves scripted batches and records commits.
type fakeConsumerClient struct {
	batches chan []Record

	mu      sync.Mutex
	commits [][]Record
	closed  bool
}

func newFakeConsumerClient() *fakeConsumerClient {
	return &fakeConsumerClient{batches: make(chan []Record, 16)}
}

func (f *fakeConsumerClient) Poll(ctx context.Context) ([]Record, error) {
	select {
	case batch := <-f.batches:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConsumerClient) Commit(_ context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, append([]Record(nil), records...))
	return nil
}

func (f *fakeConsumerClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConsumerClient) committed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, batch := range f.commits {
		n += len(batch)
	}
	return n
}
