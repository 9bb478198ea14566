package chunk

import "errors"

const (
	// DefaultMaxOpenBuffers caps concurrently open packets per reassembler.
	DefaultMaxOpenBuffers = 64
	// DefaultMaxChunks caps the total chunk count a single packet may declare.
	DefaultMaxChunks = 4096
	// DefaultMaxMessageBytes caps the reassembled size of a single packet.
	DefaultMaxMessageBytes = 64 << 20 // 64 MiB
)

var (
	ErrUnknownPacket      = errors.New("chunk for unknown packet")
	ErrChunkCountMismatch = errors.New("chunk total does not match open packet")
	ErrDuplicateChunk     = errors.New("duplicate chunk")
	ErrChunkOutOfRange    = errors.New("chunk index out of range")
	ErrInvalidTotal       = errors.New("chunk total is zero or exceeds limit")
	ErrMessageTooLarge    = errors.New("reassembled message too large")

	// ErrPacketRestarted is reported through Options.OnDiscard when index 0 arrives
	// for a packet that is still incomplete.
	ErrPacketRestarted = errors.New("packet restarted before completion")
	// ErrBufferEvicted is reported through Options.OnDiscard when the oldest open
	// packet is dropped to make room for a new one.
	ErrBufferEvicted = errors.New("open packet evicted")
)

// Options bounds the state a Reassembler may hold.
type Options struct {
	// MaxOpenBuffers caps concurrently open packets. If <= 0, DefaultMaxOpenBuffers is used.
	MaxOpenBuffers int
	// MaxChunks caps the total a packet may declare. If <= 0, DefaultMaxChunks is used.
	MaxChunks int
	// MaxMessageBytes caps reassembled payload bytes. If <= 0, DefaultMaxMessageBytes is used.
	MaxMessageBytes int
	// OnDiscard is called when an incomplete packet is dropped without the current
	// frame being rejected (restart or eviction). Optional.
	OnDiscard func(packetID uint32, reason error)
}

type buffer struct {
	total    uint32
	slots    [][]byte // nil means "not received yet"
	received uint32
	bytes    int
	seq      uint64
}

// Reassembler rebuilds logical messages from chunk frames.
//
// It is not safe for concurrent use; a session feeds it from its single read loop.
type Reassembler struct {
	opts    Options
	buffers map[uint32]*buffer
	nextSeq uint64
}

// NewReassembler returns an empty reassembler with normalized limits.
func NewReassembler(opts Options) *Reassembler {
	if opts.MaxOpenBuffers <= 0 {
		opts.MaxOpenBuffers = DefaultMaxOpenBuffers
	}
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return &Reassembler{
		opts:    opts,
		buffers: make(map[uint32]*buffer),
	}
}

// Feed consumes one chunk frame.
//
// It returns the complete message once every index of a packet has arrived,
// (nil, nil) while the packet is still accumulating, or a validation error.
// Completed and invalidated packets never stay open.
func (r *Reassembler) Feed(frame []byte) ([]byte, error) {
	h, payload, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.Index == 0 {
		return r.start(h, payload)
	}
	buf := r.buffers[h.PacketID]
	if buf == nil {
		return nil, ErrUnknownPacket
	}
	if buf.total != h.Total {
		delete(r.buffers, h.PacketID)
		return nil, ErrChunkCountMismatch
	}
	if h.Index >= h.Total {
		return nil, ErrChunkOutOfRange
	}
	if buf.slots[h.Index] != nil {
		return nil, ErrDuplicateChunk
	}
	return r.store(h.PacketID, buf, h.Index, payload)
}

func (r *Reassembler) start(h Header, payload []byte) ([]byte, error) {
	// A new first chunk ends the old packet even when its own header is unusable.
	if _, ok := r.buffers[h.PacketID]; ok {
		delete(r.buffers, h.PacketID)
		r.notifyDiscard(h.PacketID, ErrPacketRestarted)
	}
	if h.Total == 0 || uint64(h.Total) > uint64(r.opts.MaxChunks) {
		return nil, ErrInvalidTotal
	}
	if len(r.buffers) >= r.opts.MaxOpenBuffers {
		r.evictOldest()
	}
	r.nextSeq++
	buf := &buffer{
		total: h.Total,
		slots: make([][]byte, h.Total),
		seq:   r.nextSeq,
	}
	r.buffers[h.PacketID] = buf
	return r.store(h.PacketID, buf, 0, payload)
}

func (r *Reassembler) store(packetID uint32, buf *buffer, index uint32, payload []byte) ([]byte, error) {
	if buf.bytes+len(payload) > r.opts.MaxMessageBytes {
		delete(r.buffers, packetID)
		return nil, ErrMessageTooLarge
	}
	buf.slots[index] = append([]byte{}, payload...)
	buf.bytes += len(payload)
	buf.received++
	if buf.received < buf.total {
		return nil, nil
	}
	delete(r.buffers, packetID)
	out := make([]byte, 0, buf.bytes)
	for _, s := range buf.slots {
		out = append(out, s...)
	}
	return out, nil
}

func (r *Reassembler) evictOldest() {
	var (
		oldestID  uint32
		oldestSeq uint64
		found     bool
	)
	for id, buf := range r.buffers {
		if !found || buf.seq < oldestSeq {
			oldestID, oldestSeq, found = id, buf.seq, true
		}
	}
	if !found {
		return
	}
	delete(r.buffers, oldestID)
	r.notifyDiscard(oldestID, ErrBufferEvicted)
}

func (r *Reassembler) notifyDiscard(packetID uint32, reason error) {
	if r.opts.OnDiscard != nil {
		r.opts.OnDiscard(packetID, reason)
	}
}

// Open reports the number of incomplete packets currently held.
func (r *Reassembler) Open() int {
	return len(r.buffers)
}

// Received reports how many chunks of an open packet have arrived.
func (r *Reassembler) Received(packetID uint32) (uint32, bool) {
	buf := r.buffers[packetID]
	if buf == nil {
		return 0, false
	}
	return buf.received, true
}

// Reset drops every open packet.
func (r *Reassembler) Reset() {
	clear(r.buffers)
}
