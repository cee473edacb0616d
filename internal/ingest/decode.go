//file: internal/ingest/decode.go

package ingest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/slalaure/mqtt-uns-viewer-sub001/internal/sparkplug"
)

// maxPayloadBytes is the hard intake limit. Larger payloads are replaced
// with an envelope and never parsed.
const maxPayloadBytes = 2 << 20

const oversizeMessage = "Payload exceeded safe limit (2MB) and was discarded."

var errInvalidUTF8 = errors.New("payload is not valid UTF-8")

// Envelope shapes are structs so the serialized field order is stable.
type oversizeEnvelope struct {
	Error             string `json:"error"`
	OriginalSizeBytes int    `json:"original_size_bytes"`
	Message           string `json:"message"`
}

type textEnvelope struct {
	RawPayload string `json:"raw_payload"`
}

type binaryEnvelope struct {
	RawPayloadHex string `json:"raw_payload_hex"`
	DecodeError   string `json:"decode_error"`
}

func oversizePayload(size int) (any, string) {
	env := oversizeEnvelope{
		Error:             "PAYLOAD_TOO_LARGE",
		OriginalSizeBytes: size,
		Message:           oversizeMessage,
	}
	text, _ := json.Marshal(env)
	decoded := map[string]any{
		"error":               env.Error,
		"original_size_bytes": env.OriginalSizeBytes,
		"message":             env.Message,
	}
	return decoded, string(text)
}

func binaryFailure(raw []byte, reason error) (any, string) {
	env := binaryEnvelope{
		RawPayloadHex: hex.EncodeToString(raw),
		DecodeError:   reason.Error(),
	}
	text, _ := json.Marshal(env)
	decoded := map[string]any{
		"raw_payload_hex": env.RawPayloadHex,
		"decode_error":    env.DecodeError,
	}
	return decoded, string(text)
}

// decodePayload runs the decode ladder: Sparkplug B for spBv1.0/ topics
// when a codec is configured, otherwise UTF-8 then JSON. Plain text that
// is not JSON is wrapped, not rejected. ok is false when the payload had
// to be stored as a hex envelope.
func (h *Handler) decodePayload(topic string, raw []byte) (decoded any, text string, sparkplugOrigin, ok bool) {
	if h.codec != nil && sparkplug.IsSparkplugTopic(topic) {
		m, err := h.codec.Decode(raw)
		if err != nil {
			decoded, text = binaryFailure(raw, err)
			return decoded, text, false, false
		}
		b, err := json.Marshal(m)
		if err != nil {
			decoded, text = binaryFailure(raw, err)
			return decoded, text, false, false
		}
		return m, string(b), true, true
	}

	if !utf8.Valid(raw) {
		decoded, text = binaryFailure(raw, errInvalidUTF8)
		return decoded, text, false, false
	}

	if !json.Valid(raw) {
		env := textEnvelope{RawPayload: string(raw)}
		b, _ := json.Marshal(env)
		return map[string]any{"raw_payload": env.RawPayload}, string(b), false, true
	}

	// UseNumber keeps integer literals intact: 64-bit values survive the
	// store/broadcast round trip as written instead of going through
	// float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		decoded, text = binaryFailure(raw, err)
		return decoded, text, false, false
	}

	canonical, err := json.Marshal(v)
	if err != nil {
		decoded, text = binaryFailure(raw, err)
		return decoded, text, false, false
	}
	return v, string(canonical), false, true
}
