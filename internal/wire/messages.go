// Package wire defines the websocket message shapes and audio encoding.
package wire

import (
	"encoding/json"
)

const (
	// SampleRate is the only capture rate the transcription service accepts.
	SampleRate = 16000
	// Encoding identifies the PCM framing sent on the wire (32-bit float LE).
	Encoding = "linear32"
)

// AudioMessage is the outbound payload, one per captured audio block.
type AudioMessage struct {
	Audio string `json:"audio"`
}

// statusEnvelope matches lifecycle signaling messages from the server.
type statusEnvelope struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// transcriptEnvelope matches incremental transcript fragments.
type transcriptEnvelope struct {
	Text    *string `json:"text"`
	IsFinal bool    `json:"isFinal"`
}

// InboundKind classifies a parsed inbound message.
type InboundKind int

const (
	KindUnknown InboundKind = iota
	KindStatusConnected
	KindStatusDisconnected
	KindTranscript
)

// Inbound is one decoded server message.
type Inbound struct {
	Kind    InboundKind
	Text    string
	IsFinal bool
}

// ParseInbound decodes a server message. Unrecognized but well-formed
// JSON objects map to KindUnknown; malformed JSON is an error so the
// handshake can treat it as fatal while normal operation skips it.
func ParseInbound(payload []byte) (Inbound, error) {
	var status statusEnvelope
	if err := json.Unmarshal(payload, &status); err != nil {
		return Inbound{}, err
	}
	if status.Type == "status" {
		switch status.Status {
		case "connected":
			return Inbound{Kind: KindStatusConnected}, nil
		case "disconnected":
			return Inbound{Kind: KindStatusDisconnected}, nil
		default:
			return Inbound{Kind: KindUnknown}, nil
		}
	}

	var fragment transcriptEnvelope
	if err := json.Unmarshal(payload, &fragment); err != nil {
		return Inbound{}, err
	}
	if fragment.Text == nil {
		return Inbound{Kind: KindUnknown}, nil
	}
	return Inbound{Kind: KindTranscript, Text: *fragment.Text, IsFinal: fragment.IsFinal}, nil
}
