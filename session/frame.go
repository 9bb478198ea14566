package session

import (
	"github.com/floegence/wsfetch/chunk"
	"github.com/floegence/wsfetch/observability"
	"github.com/gorilla/websocket"
)

// FrameKind is the routing decision made once per inbound frame.
type FrameKind int

const (
	// FrameIgnored covers message types that carry no envelope.
	FrameIgnored FrameKind = iota
	// FrameChunk is a binary frame holding a chunk header and payload.
	FrameChunk
	// FrameBinaryWhole is a binary frame too short to hold a chunk header; it is a complete message.
	FrameBinaryWhole
	// FrameText is a text frame; it is a complete message.
	FrameText
)

// ClassifyFrame decides how an inbound frame is handled.
func ClassifyFrame(messageType int, data []byte) FrameKind {
	switch messageType {
	case websocket.TextMessage:
		return FrameText
	case websocket.BinaryMessage:
		if len(data) >= chunk.HeaderSize {
			return FrameChunk
		}
		return FrameBinaryWhole
	default:
		return FrameIgnored
	}
}

func (k FrameKind) String() string {
	switch k {
	case FrameChunk:
		return "chunk"
	case FrameBinaryWhole:
		return "binary_whole"
	case FrameText:
		return "text"
	default:
		return "ignored"
	}
}

func (k FrameKind) metric() observability.FrameKind {
	switch k {
	case FrameChunk:
		return observability.FrameKindChunk
	case FrameBinaryWhole:
		return observability.FrameKindBinaryWhole
	default:
		return observability.FrameKindText
	}
}
