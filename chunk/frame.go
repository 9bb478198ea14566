package chunk

import (
	"encoding/binary"
	"errors"
	"math"
)

// HeaderSize is the fixed chunk frame header length: packet id, chunk index and
// total chunk count, each a big-endian uint32.
const HeaderSize = 12

var (
	ErrMalformedFrame = errors.New("chunk frame shorter than header")
	ErrInvalidPayload = errors.New("max chunk payload must be > 0")
	ErrTooManyChunks  = errors.New("message needs more chunks than a frame header can express")
)

// Header is the decoded fixed-size prefix of a chunk frame.
type Header struct {
	PacketID uint32
	Index    uint32
	Total    uint32
}

// ParseHeader splits a chunk frame into its header and payload.
//
// The returned payload aliases frame.
func ParseHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, ErrMalformedFrame
	}
	h := Header{
		PacketID: binary.BigEndian.Uint32(frame[0:4]),
		Index:    binary.BigEndian.Uint32(frame[4:8]),
		Total:    binary.BigEndian.Uint32(frame[8:12]),
	}
	return h, frame[HeaderSize:], nil
}

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.PacketID)
	dst = binary.BigEndian.AppendUint32(dst, h.Index)
	return binary.BigEndian.AppendUint32(dst, h.Total)
}

// EncodeFrame returns a single chunk frame carrying payload.
func EncodeFrame(h Header, payload []byte) []byte {
	out := make([]byte, 0, HeaderSize+len(payload))
	out = AppendHeader(out, h)
	return append(out, payload...)
}

// Split cuts msg into chunk frames of at most maxPayload payload bytes each.
//
// An empty msg still produces one frame so the receiver observes a complete packet.
func Split(packetID uint32, msg []byte, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		return nil, ErrInvalidPayload
	}
	n := (len(msg) + maxPayload - 1) / maxPayload
	if n == 0 {
		n = 1
	}
	if uint64(n) > math.MaxUint32 {
		return nil, ErrTooManyChunks
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(msg) {
			end = len(msg)
		}
		frames = append(frames, EncodeFrame(Header{
			PacketID: packetID,
			Index:    uint32(i),
			Total:    uint32(n),
		}, msg[start:end]))
	}
	return frames, nil
}
