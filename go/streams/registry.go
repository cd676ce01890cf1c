package streams

import (
	"encoding/json"

	"github.com/matthew-bram/enterprise-confluent-test-probe-sub007/go/codec"
)

// ConsumedRecord is one decoded, filter-matched event held by a consumer
// stream's registry.
type ConsumedRecord struct {
	// Key is the decoded correlation record.
	Key codec.EventKey
	// Document is the decoded JSON value.
	Document json.RawMessage
	// Headers of the broker record.
	Headers map[string]string
}

// eventRegistry indexes ConsumedRecords by event id. Re-inserting an id
// replaces the prior record: last write wins, never duplicated. Only the
// owning consumer's handler goroutine touches a registry.
type eventRegistry map[string]ConsumedRecord

func (r eventRegistry) insert(rec ConsumedRecord) {
	r[rec.Key.EventID] = rec
}

func (r eventRegistry) get(eventID string) (ConsumedRecord, bool) {
	var rec, ok = r[eventID]
	return rec, ok
}
