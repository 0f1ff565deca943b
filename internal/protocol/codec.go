package protocol

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Pack builds an Envelope carrying payload tagged as msgType.
func Pack(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return NewEnvelope(msgType, data), nil
}

// Unpack decodes an envelope's Data into out. Callers dispatch on
// Envelope.Type first, then call Unpack with the matching concrete type.
func Unpack(e Envelope, out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("protocol: unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodeBinary renders an envelope as the compact binary form carried over
// agent↔server WebSocket binary frames. Framing (the length prefix) is
// provided by the WebSocket transport itself — each WriteMessage call is
// already one self-delimited frame — so the payload here is simply a gob
// encoding of the envelope, which keeps the wire schema-evolvable (new
// struct fields decode as zero values on older readers).
func EncodeBinary(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("protocol: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBinary parses the compact binary form back into an Envelope.
func DecodeBinary(raw []byte) (Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: gob decode: %w", err)
	}
	return e, nil
}

// EncodeJSON renders an envelope as JSON text, used for the server-side
// alternative receive path and for every server→dashboard frame.
func EncodeJSON(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: json encode: %w", err)
	}
	return b, nil
}

// DecodeAny parses either a binary gob frame or a JSON text frame into an
// Envelope: when isText is set the frame is decoded as JSON, otherwise as
// the binary gob form.
func DecodeAny(raw []byte, isText bool) (Envelope, error) {
	if isText {
		var e Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return Envelope{}, fmt.Errorf("protocol: json decode: %w", err)
		}
		return e, nil
	}
	return DecodeBinary(raw)
}
