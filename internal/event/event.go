//file: internal/event/event.go

// Package event defines the unit of data flowing from the brokers through
// the persistence queue, the transformation engine and the alert engine.
package event

import "time"

// Event is one decoded MQTT message. PayloadText always holds canonical
// JSON: decode failures and oversize payloads are wrapped into JSON
// envelopes before an Event is built, so downstream consumers never see
// raw bytes.
type Event struct {
	BrokerID  string
	Topic     string
	Timestamp time.Time

	// PayloadText is the canonical JSON text persisted and broadcast.
	PayloadText string

	// Decoded is the parsed payload value used for topic templating and
	// re-marshaled for sandboxed scripts. JSON numbers are json.Number so
	// 64-bit values survive the round trip; 64-bit Sparkplug integers
	// arrive as decimal strings.
	Decoded any

	// SparkplugOrigin marks payloads decoded from Sparkplug B; their
	// transform outputs are re-encoded when routed back under spBv1.0/.
	SparkplugOrigin bool

	// NeedsStore is set when at least one matching transform target
	// queries the store, which defers the transform until after commit.
	NeedsStore bool
}
