// Package protocol implements the livescribe wire format.
//
// Inbound frames are binary WebSocket messages carrying a little-endian uint32
// length N, followed by N bytes of UTF-8 JSON metadata and then raw mono
// 16-bit little-endian PCM:
//
//	[u32 LE N][N bytes {"sampleRate": 16000}][PCM16LE samples ...]
//
// Outbound frames are UTF-8 JSON text messages of the form
// {"type": "realtime", "text": "..."}.
//
// A frame that fails to decode is reported with an error wrapping
// [ErrProtocol]. Callers drop that single frame and keep reading; the stream
// is lossy by design and a bad frame never closes the connection.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// headerSize is the size of the metadata length prefix.
const headerSize = 4

// ErrProtocol is wrapped by every error returned from [Decode].
var ErrProtocol = errors.New("protocol: malformed frame")

// Event kinds emitted to clients.
const (
	// KindRealtime carries a stabilized partial transcript.
	KindRealtime = "realtime"

	// KindFullSentence carries the primary model's text for a finished
	// utterance. Only emitted when enabled in the engine configuration.
	KindFullSentence = "fullSentence"
)

// Metadata is the JSON header of an inbound audio frame.
type Metadata struct {
	// SampleRate of the PCM payload in Hz. Must be positive.
	SampleRate int `json:"sampleRate"`
}

// Event is a transcript event delivered to the client.
type Event struct {
	Kind string `json:"type"`
	Text string `json:"text"`
}

// rawMetadata mirrors Metadata with a pointer so a missing field can be told
// apart from an explicit zero.
type rawMetadata struct {
	SampleRate *json.Number `json:"sampleRate"`
}

// Decode splits an inbound frame into its metadata and audio payload. The
// returned audio slice aliases msg.
func Decode(msg []byte) (Metadata, []byte, error) {
	if len(msg) < headerSize {
		return Metadata{}, nil, fmt.Errorf("%w: %d bytes is shorter than the length header", ErrProtocol, len(msg))
	}
	n := uint64(binary.LittleEndian.Uint32(msg[:headerSize]))
	if n+headerSize > uint64(len(msg)) {
		return Metadata{}, nil, fmt.Errorf("%w: metadata length %d overruns %d byte frame", ErrProtocol, n, len(msg))
	}
	end := headerSize + int(n)
	raw := msg[headerSize:end]
	if !utf8.Valid(raw) {
		return Metadata{}, nil, fmt.Errorf("%w: metadata is not valid UTF-8", ErrProtocol)
	}

	var rm rawMetadata
	if err := json.Unmarshal(raw, &rm); err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: metadata json: %v", ErrProtocol, err)
	}
	if rm.SampleRate == nil {
		return Metadata{}, nil, fmt.Errorf("%w: sampleRate is missing", ErrProtocol)
	}
	rate, err := rm.SampleRate.Int64()
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: sampleRate %q is not an integer", ErrProtocol, rm.SampleRate.String())
	}
	if rate <= 0 || rate > math.MaxInt32 {
		return Metadata{}, nil, fmt.Errorf("%w: sampleRate %d is out of range", ErrProtocol, rate)
	}

	return Metadata{SampleRate: int(rate)}, msg[end:], nil
}

// Encode serialises ev as the outbound JSON text frame.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses an outbound frame. It is the client-side counterpart of
// [Encode].
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("protocol: decode event: %w", err)
	}
	return ev, nil
}

// EncodeFrame builds an inbound frame from md and the PCM payload. It is used
// by clients and tests; the server only decodes.
func EncodeFrame(md Metadata, pcm []byte) ([]byte, error) {
	if md.SampleRate <= 0 {
		return nil, fmt.Errorf("protocol: sampleRate %d must be positive", md.SampleRate)
	}
	meta, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode metadata: %w", err)
	}
	out := make([]byte, headerSize+len(meta)+len(pcm))
	binary.LittleEndian.PutUint32(out, uint32(len(meta)))
	copy(out[headerSize:], meta)
	copy(out[headerSize+len(meta):], pcm)
	return out, nil
}
